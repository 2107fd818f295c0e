// Package httputil holds the HTTP server lifecycle plumbing the admin
// surface embeds: listen, block, and shut down gracefully when the process
// context ends.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// shutdownGrace is how long in-flight admin requests get to finish once
// the serve context is cancelled.
const shutdownGrace = 5 * time.Second

// Timeouts bundles the per-connection http.Server deadlines. Zero values
// leave the corresponding deadline off.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// ServerLifecycle owns one *http.Server's run loop. Embed it and delegate
// Serve/Shutdown instead of repeating the goroutine-and-select pattern.
// The zero value is ready to use.
type ServerLifecycle struct {
	mu  sync.Mutex
	srv *http.Server
}

// Serve listens on addr and blocks until ctx is cancelled (graceful
// shutdown, returns ctx.Err()) or the server stops on its own (returns nil
// for a clean close, the listen error otherwise). name prefixes any error.
func (l *ServerLifecycle) Serve(ctx context.Context, addr string, handler http.Handler, t Timeouts, name string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  t.Read,
		WriteTimeout: t.Write,
		IdleTimeout:  t.Idle,
	}
	l.mu.Lock()
	l.srv = srv
	l.mu.Unlock()

	listenErr := make(chan error, 1)
	go func() { listenErr <- srv.ListenAndServe() }()

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	case <-ctx.Done():
	}

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(graceCtx); err != nil {
		return fmt.Errorf("%s: shutdown: %w", name, err)
	}
	return ctx.Err()
}

// Shutdown stops the server started by the most recent Serve call, waiting
// for in-flight requests until ctx expires. Before any Serve it is a no-op.
func (l *ServerLifecycle) Shutdown(ctx context.Context, name string) error {
	l.mu.Lock()
	srv := l.srv
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: shutdown: %w", name, err)
	}
	return nil
}

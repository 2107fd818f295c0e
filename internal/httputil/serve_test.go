package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

// freeAddr grabs an ephemeral localhost port and releases it for the
// server under test to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitForServer(t *testing.T, url string) *http.Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never came up")
	return nil
}

func TestServeHandlesRequestsUntilCancelled(t *testing.T) {
	addr := freeAddr(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	var lc ServerLifecycle
	done := make(chan error, 1)
	go func() {
		done <- lc.Serve(ctx, addr, handler, Timeouts{Read: time.Second, Write: time.Second}, "admin")
	}()

	resp := waitForServer(t, "http://"+addr+"/health")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `{"status":"ok"}` {
		t.Fatalf("body = %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled after graceful shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServeReturnsListenError(t *testing.T) {
	// Two lifecycles on the same port: the second must fail fast.
	addr := freeAddr(t)
	handler := http.NewServeMux()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first ServerLifecycle
	go first.Serve(ctx, addr, handler, Timeouts{}, "first")
	waitForServer(t, "http://"+addr+"/")

	var second ServerLifecycle
	err := second.Serve(ctx, addr, handler, Timeouts{}, "second")
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want an address-in-use listen error", err)
	}
}

func TestShutdownBeforeServeIsNoop(t *testing.T) {
	var lc ServerLifecycle
	if err := lc.Shutdown(context.Background(), "admin"); err != nil {
		t.Fatalf("Shutdown before Serve: %v", err)
	}
}

func TestShutdownStopsRunningServer(t *testing.T) {
	addr := freeAddr(t)
	var lc ServerLifecycle

	done := make(chan error, 1)
	go func() {
		done <- lc.Serve(context.Background(), addr, http.NewServeMux(), Timeouts{}, "admin")
	}()
	waitForServer(t, "http://"+addr+"/")

	if err := lc.Shutdown(context.Background(), "admin"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve after Shutdown = %v, want nil for a clean close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

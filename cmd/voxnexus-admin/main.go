// Command voxnexus-admin serves the admin HTTP surface standalone: device
// and call listings from the database, room-claim arbitration against the
// broker, and health. Register/unregister actions are forwarded to worker
// processes over the broker's SIP control channels rather than driven
// in-process, since no softphone lives here.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voxnexus/core/config"
	"github.com/voxnexus/core/internal/broker"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/guardian"
	"github.com/voxnexus/core/internal/httpapi"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/internal/sip"
	"github.com/voxnexus/core/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("admin exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := otelx.Setup(ctx, otelx.SetupConfig{
		ServiceName:  "voxnexus-admin",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Stdout:       cfg.Telemetry.Stdout,
	})
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()

	redisOpts, err := redis.ParseURL(cfg.Broker.URL)
	if err != nil {
		return err
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()
	br := broker.New(client)

	ownerID := "admin:" + uuid.NewString()
	supervisor := guardian.NewSupervisor(guardian.NewCommandBus(br), br, ownerID)

	api := httpapi.New(st, &brokerSipControl{br: br}, br, supervisor)

	// Mirror the whole guardian:* feed into the admin's own log so an
	// operator tailing this process sees events, takeovers, and alerts in
	// one place.
	go logGuardianFeed(ctx, br)

	slog.Info("admin surface running", "addr", cfg.Admin.Addr)
	return api.Serve(ctx, cfg.Admin.Addr)
}

func logGuardianFeed(ctx context.Context, br *broker.Broker) {
	sub := br.PSubscribe(ctx, "guardian:*")
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			slog.Info("guardian feed", "channel", msg.Channel, "payload", msg.Payload)
		}
	}
}

// brokerSipControl implements the admin surface's SipController by
// forwarding register/unregister over the broker to whichever worker owns
// the extension. Live per-process state (registration flags, active call
// ids) is not visible from here, so those read as unregistered/empty.
type brokerSipControl struct {
	br *broker.Broker
}

func (b *brokerSipControl) RegisterExtension(ctx context.Context, ext domain.SipExtension) {
	payload, err := json.Marshal(broker.NewSipExtensionPayload(ext))
	if err != nil {
		return
	}
	if err := b.br.Publish(ctx, broker.ChannelSipRegister, payload); err != nil {
		slog.Warn("register forward failed", "extension_id", ext.ID, "error", err)
	}
}

func (b *brokerSipControl) Unregister(ctx context.Context, extID string) error {
	payload, err := json.Marshal(map[string]string{"extensionId": extID})
	if err != nil {
		return err
	}
	return b.br.Publish(ctx, broker.ChannelSipUnregister, payload)
}

func (b *brokerSipControl) RegistrationState(string) (sip.RegistrationState, bool) {
	return sip.StateUnregistered, false
}

func (b *brokerSipControl) ActiveCallIDs() []string { return nil }

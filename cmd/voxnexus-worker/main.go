// Command voxnexus-worker is the combined SIP + WebRTC + Guardian worker
// process: it registers every configured SIP extension, answers dispatched
// WebRTC rooms, runs the Guardian supervisor against both, publishes its
// liveness heartbeat, and embeds the admin HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voxnexus/core/config"
	"github.com/voxnexus/core/internal/alerting"
	"github.com/voxnexus/core/internal/broker"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/embedding"
	"github.com/voxnexus/core/internal/guardian"
	"github.com/voxnexus/core/internal/heartbeat"
	"github.com/voxnexus/core/internal/httpapi"
	"github.com/voxnexus/core/internal/livekitbridge"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/internal/sessionassembly"
	"github.com/voxnexus/core/internal/sessionfactory"
	"github.com/voxnexus/core/internal/sip"
	"github.com/voxnexus/core/internal/store"
	"github.com/voxnexus/core/internal/webrtcsession"
)

// telephonySampleRate is the PCM rate of the SIP call leg.
const telephonySampleRate = 8000

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
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
		ServiceName:  "voxnexus-worker",
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

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	supervisor := guardian.NewSupervisor(guardian.NewCommandBus(br), br, workerID)

	factory := sessionfactory.New("openai-tts", map[string]any{"api_key": cfg.Providers.TTSAPIKey}).
		WithDefaults(
			map[string]any{"api_key": cfg.Providers.STTAPIKey},
			map[string]any{"api_key": cfg.Providers.LLMAPIKey},
			map[string]any{"api_key": cfg.Providers.TTSAPIKey},
		)

	embedder, err := embedding.New(cfg.Providers.LLMAPIKey, cfg.Providers.EmbeddingModel)
	if err != nil {
		return err
	}

	// Webhook tool calls share one transport; per-call timeouts come from
	// each WebhookDefinition.
	httpClient := &http.Client{Timeout: 30 * time.Second}

	sipAssembler := sessionassembly.New(st, factory, embedder, httpClient, telephonySampleRate)
	roomAssembler := sessionassembly.New(st, factory, embedder, httpClient, webrtcsession.RoomSampleRate)

	roomTransport := func() livekitbridge.RoomTransport {
		return livekitbridge.NewPeerRoomTransport(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)
	}

	var holdWAV []byte
	if cfg.SIP.HoldWAVPath != "" {
		holdWAV, err = os.ReadFile(cfg.SIP.HoldWAVPath)
		if err != nil {
			slog.Warn("hold announcement unavailable", "path", cfg.SIP.HoldWAVPath, "error", err)
		}
	}

	var sipCtl *sip.Controller
	if cfg.SIP.GatewayURL != "" {
		ua := sip.NewGatewayUserAgent(cfg.SIP.GatewayURL, telephonySampleRate)
		if err := ua.Connect(ctx); err != nil {
			return err
		}
		defer ua.Close()

		sipCtl = sip.New(ua, st, sipAssembler, supervisor, roomTransport, holdWAV, telephonySampleRate)

		extensions, err := st.SipExtensions(ctx)
		if err != nil {
			return err
		}
		for _, ext := range extensions {
			sipCtl.RegisterExtension(ctx, ext)
		}
		go sipCtl.Run(ctx)
		go runSipControlLoop(ctx, br, sipCtl)
	} else {
		slog.Info("no SIP gateway configured, running WebRTC-only")
	}

	roomCtl := webrtcsession.New(br, roomAssembler, supervisor, st)
	go runDispatchLoop(ctx, br, roomCtl, cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)

	go supervisor.Listen(ctx, subscribePayloads(ctx, br, broker.ChannelGuardianTakeover))
	go heartbeat.Run(ctx, br, workerID)

	var notifiers []alerting.Notifier
	if cfg.Guardian.AlertWebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Guardian.AlertWebhookURL))
	}
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.SMSTo != "" {
		notifiers = append(notifiers, alerting.NewSMSNotifier(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.SMSFrom, cfg.Twilio.SMSTo))
	}
	if len(notifiers) > 0 {
		dispatcher := alerting.NewDispatcher(notifiers...)
		go dispatcher.Run(ctx, subscribePayloads(ctx, br, broker.ChannelGuardianAlerts))
	}

	var sipView httpapi.SipController = &nopSipController{}
	if sipCtl != nil {
		sipView = sipCtl
	}
	api := httpapi.New(st, sipView, br, supervisor)
	go func() {
		if err := api.Serve(ctx, cfg.Admin.Addr); err != nil {
			slog.Error("admin surface exited", "error", err)
		}
	}()

	slog.Info("worker running", "worker_id", workerID, "admin_addr", cfg.Admin.Addr)
	<-ctx.Done()
	return nil
}

// nopSipController backs the admin surface in WebRTC-only mode, when no
// SIP gateway is configured.
type nopSipController struct{}

func (nopSipController) RegisterExtension(context.Context, domain.SipExtension) {}
func (nopSipController) Unregister(context.Context, string) error               { return nil }
func (nopSipController) RegistrationState(string) (sip.RegistrationState, bool) {
	return sip.StateUnregistered, false
}
func (nopSipController) ActiveCallIDs() []string { return nil }

// subscribePayloads adapts a broker subscription into the raw payload
// channel the supervisor's Listen loop consumes; go-redis reconnects and
// resubscribes after a broker disconnect on its own.
func subscribePayloads(ctx context.Context, br *broker.Broker, channel string) <-chan []byte {
	sub := br.Subscribe(ctx, channel)
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				out <- []byte(msg.Payload)
			}
		}
	}()
	return out
}

// runSipControlLoop consumes the dynamic extension add/remove channels.
func runSipControlLoop(ctx context.Context, br *broker.Broker, ctl *sip.Controller) {
	regCh := subscribePayloads(ctx, br, broker.ChannelSipRegister)
	unregCh := subscribePayloads(ctx, br, broker.ChannelSipUnregister)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-regCh:
			if !ok {
				return
			}
			var ext broker.SipExtensionPayload
			if err := json.Unmarshal(payload, &ext); err != nil || ext.ID == "" {
				continue
			}
			ctl.RegisterExtension(ctx, ext.ToDomain())
		case payload, ok := <-unregCh:
			if !ok {
				return
			}
			var req struct {
				ExtensionID string `json:"extensionId"`
			}
			if err := json.Unmarshal(payload, &req); err != nil || req.ExtensionID == "" {
				continue
			}
			if err := ctl.Unregister(ctx, req.ExtensionID); err != nil {
				slog.Warn("dynamic unregister failed", "extension_id", req.ExtensionID, "error", err)
			}
		}
	}
}

// runDispatchLoop consumes room-dispatch requests and hands each to the
// WebRTC controller; claim contention exits silently inside HandleDispatch.
func runDispatchLoop(ctx context.Context, br *broker.Broker, ctl *webrtcsession.Controller, lkURL, lkKey, lkSecret string) {
	dispatchCh := subscribePayloads(ctx, br, broker.ChannelWebRTCDispatch)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-dispatchCh:
			if !ok {
				return
			}
			var d webrtcsession.Dispatch
			if err := json.Unmarshal(payload, &d); err != nil || d.RoomName == "" {
				continue
			}
			go func() {
				err := ctl.HandleDispatch(ctx, d, func() webrtcsession.RoomSession {
					return webrtcsession.NewPeerRoomSession(lkURL, lkKey, lkSecret)
				})
				if err != nil {
					slog.Warn("dispatch failed", "room", d.RoomName, "error", err)
				}
			}()
		}
	}
}

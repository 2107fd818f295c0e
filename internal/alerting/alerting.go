// Package alerting fans Guardian alerts out to operations channels: an
// HTTP webhook, and optionally an SMS to an on-call number via Twilio.
// Delivery is best-effort; an unreachable channel never blocks or fails
// the session that raised the alert.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/voxnexus/core/internal/guardian"
	"github.com/voxnexus/core/internal/otelx"
)

// Notifier delivers one alert to a single operations channel.
type Notifier interface {
	Notify(ctx context.Context, alert guardian.Alert) error
}

// WebhookNotifier POSTs the alert envelope as JSON to a fixed URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier builds a notifier for url with a bounded-timeout
// client.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert guardian.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// smsSender is the one Twilio call SMSNotifier makes, extracted so tests
// can run without Twilio credentials.
type smsSender interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// SMSNotifier texts each alert to an on-call number through the Twilio
// Messaging API.
type SMSNotifier struct {
	sender smsSender
	from   string
	to     string
}

// NewSMSNotifier builds a notifier that sends from `from` to `to` using
// the given Twilio credentials.
func NewSMSNotifier(accountSID, authToken, from, to string) *SMSNotifier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &SMSNotifier{sender: client.Api, from: from, to: to}
}

func (n *SMSNotifier) Notify(ctx context.Context, alert guardian.Alert) error {
	body := fmt.Sprintf("[voxnexus] %s: %s (conversation %s)", alert.Type, alert.Message, alert.ConversationID)
	params := &twilioapi.CreateMessageParams{}
	params.SetFrom(n.from)
	params.SetTo(n.to)
	params.SetBody(body)
	if _, err := n.sender.CreateMessage(params); err != nil {
		return fmt.Errorf("alerting: twilio sms: %w", err)
	}
	return nil
}

// Dispatcher consumes the raw guardian:alerts payload stream and fans each
// alert out to every notifier.
type Dispatcher struct {
	notifiers []Notifier
}

// NewDispatcher builds a Dispatcher over the given notifiers; nil entries
// are skipped.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
	}
	return d
}

// Run decodes alerts from recv and dispatches them until ctx is cancelled
// or recv closes. Delivery failures are logged and dropped.
func (d *Dispatcher) Run(ctx context.Context, recv <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-recv:
			if !ok {
				return
			}
			var alert guardian.Alert
			if err := json.Unmarshal(payload, &alert); err != nil {
				continue
			}
			for _, n := range d.notifiers {
				if err := n.Notify(ctx, alert); err != nil {
					otelx.LogWithOTELContext(ctx, slog.LevelWarn, "alert delivery failed",
						"alert_type", alert.Type, "error", err)
				}
			}
		}
	}
}

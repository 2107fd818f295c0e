package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxnexus/core/internal/guardian"
)

func TestWebhookNotifierPostsAlertJSON(t *testing.T) {
	var got guardian.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	alert := guardian.Alert{Type: "config_load_failed", ConversationID: "call-1", Message: "boom", At: time.Unix(1000, 0)}
	require.NoError(t, n.Notify(context.Background(), alert))
	assert.Equal(t, "config_load_failed", got.Type)
	assert.Equal(t, "call-1", got.ConversationID)
}

func TestWebhookNotifierReportsNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), guardian.Alert{Type: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakeSMS struct {
	sent []*twilioapi.CreateMessageParams
	err  error
}

func (f *fakeSMS) CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &twilioapi.ApiV2010Message{}, nil
}

func TestSMSNotifierFormatsBody(t *testing.T) {
	fake := &fakeSMS{}
	n := &SMSNotifier{sender: fake, from: "+15550001", to: "+15550002"}

	alert := guardian.Alert{Type: "risk_detected", ConversationID: "call-7", Message: "CRITICAL keyword"}
	require.NoError(t, n.Notify(context.Background(), alert))

	require.Len(t, fake.sent, 1)
	params := fake.sent[0]
	assert.Equal(t, "+15550001", *params.From)
	assert.Equal(t, "+15550002", *params.To)
	assert.Contains(t, *params.Body, "risk_detected")
	assert.Contains(t, *params.Body, "call-7")
}

func TestDispatcherFansOutAndSurvivesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := &fakeSMS{err: errors.New("twilio down")}
	working := &fakeSMS{}
	d := NewDispatcher(
		&SMSNotifier{sender: failing, from: "a", to: "b"},
		&SMSNotifier{sender: working, from: "a", to: "b"},
		nil,
	)

	recv := make(chan []byte, 1)
	payload, err := json.Marshal(guardian.Alert{Type: "config_load_failed", Message: "m"})
	require.NoError(t, err)
	recv <- payload
	close(recv)

	d.Run(ctx, recv)
	assert.Len(t, working.sent, 1)
}

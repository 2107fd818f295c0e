package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// echoWSServer accepts one connection and echoes every message back.
func echoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			kind, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, kind, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSConnJSONRoundTrip(t *testing.T) {
	srv := echoWSServer(t)
	defer srv.Close()

	ws, err := DialWS(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer ws.Close()

	type controlMsg struct {
		Kind   string `json:"kind"`
		CallID string `json:"callId"`
	}
	sent := controlMsg{Kind: "answer", CallID: "call-3"}
	if err := ws.WriteJSON(context.Background(), sent); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got controlMsg
	if err := ws.ReadJSON(context.Background(), &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != sent {
		t.Fatalf("round trip = %+v, want %+v", got, sent)
	}
}

func TestDialWSSendsHandshakeHeaders(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer gateway-token")
	ws, err := DialWS(context.Background(), wsURL(srv), headers)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	ws.Close()

	if sawAuth != "Bearer gateway-token" {
		t.Fatalf("Authorization = %q, want the handshake header", sawAuth)
	}
}

func TestDialWSFailsAgainstNonWebSocketEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not a websocket endpoint", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := DialWS(context.Background(), wsURL(srv), nil); err == nil {
		t.Fatal("expected the dial to fail against a plain HTTP endpoint")
	}
}

func TestReadJSONRejectsMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()
		conn.Write(ctx, websocket.MessageText, []byte("not json at all"))
	}))
	defer srv.Close()

	ws, err := DialWS(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer ws.Close()

	var v map[string]any
	if err := ws.ReadJSON(context.Background(), &v); err == nil {
		t.Fatal("expected a decode error for a malformed payload")
	}
}

package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// maxWSMessageBytes bounds one control-socket message. Audio rides inside
// JSON envelopes as base64, so a 20ms telephony frame fits with orders of
// magnitude to spare; anything near this limit is a protocol violation.
const maxWSMessageBytes = 1 << 20

// WSConn is a WebSocket connection speaking JSON envelopes, the shape both
// the SIP gateway control socket and the room signaling endpoints use.
type WSConn struct {
	conn *websocket.Conn
}

// DialWS connects to url, optionally sending extra handshake headers.
func DialWS(ctx context.Context, url string, headers http.Header) (*WSConn, error) {
	var opts websocket.DialOptions
	if headers != nil {
		opts.HTTPHeader = headers
	}
	conn, _, err := websocket.Dial(ctx, url, &opts)
	if err != nil {
		return nil, fmt.Errorf("httpclient: websocket dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxWSMessageBytes)
	return &WSConn{conn: conn}, nil
}

// ReadJSON blocks for the next message and decodes it into v.
func (ws *WSConn) ReadJSON(ctx context.Context, v any) error {
	_, payload, err := ws.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("httpclient: websocket read: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("httpclient: websocket decode: %w", err)
	}
	return nil
}

// WriteJSON encodes v and sends it as one text message.
func (ws *WSConn) WriteJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("httpclient: websocket encode: %w", err)
	}
	if err := ws.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("httpclient: websocket write: %w", err)
	}
	return nil
}

// Close performs a normal closure handshake.
func (ws *WSConn) Close() error {
	return ws.conn.Close(websocket.StatusNormalClosure, "")
}

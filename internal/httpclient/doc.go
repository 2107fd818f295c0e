// Package httpclient is the HTTP and WebSocket layer for provider services
// that ship no Go SDK: the voice-cloning microservice's REST endpoint and
// the SIP gateway's control socket.
//
// # Client
//
// [Client] wraps net/http.Client with per-session construction, default
// headers, and bounded retry on throttling statuses (429/503) with
// exponential backoff and Retry-After support:
//
//	c := httpclient.New(
//	    httpclient.WithBaseURL("http://voice-clone.local:9000"),
//	    httpclient.WithTimeout(15 * time.Second),
//	)
//
// [DoJSON] sends a request and decodes the 2xx reply into a typed value:
//
//	type synthReply struct { Audio string `json:"audio"` }
//	reply, err := httpclient.DoJSON[synthReply](ctx, c, "POST", "/synthesize", req)
//
// Non-2xx replies surface as [*StatusError]; its CoreCode method maps the
// status onto the module's error vocabulary so adapters can classify
// without duplicating status tables.
//
// # WebSocket
//
// [WSConn] wraps a WebSocket connection with typed JSON read/write
// helpers, used by the SIP gateway client:
//
//	ws, err := httpclient.DialWS(ctx, "ws://gateway.local:8088/control", nil)
//	if err != nil { return err }
//	defer ws.Close()
//	err = ws.WriteJSON(ctx, command)
package httpclient

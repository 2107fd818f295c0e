package sip

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxnexus/core/internal/audio"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/httpclient"
)

// gatewayEnvelope is the JSON exchange with the external SIP gateway
// process, which owns the actual SIP transactions and RTP framing. This
// controller only drives call lifecycle through it: register/unregister an
// extension, answer or hang up a call, write audio toward the caller, and
// receive the caller's 20ms PCM frames.
type gatewayEnvelope struct {
	Kind        string `json:"kind"` // register | unregister | answer | hangup | play | audio | incoming_call | call_ended | result
	Ref         string `json:"ref,omitempty"`
	ExtensionID string `json:"extensionId,omitempty"`
	CallID      string `json:"callId,omitempty"`
	RemoteURI   string `json:"remoteUri,omitempty"`
	RemoteName  string `json:"remoteName,omitempty"`
	Registrar   string `json:"registrar,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Realm       string `json:"realm,omitempty"`
	Proxy       string `json:"proxy,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	Audio       string `json:"audio,omitempty"` // base64 PCM16 or WAV bytes
	Error       string `json:"error,omitempty"`
}

// resultTimeout bounds how long a request waits for the gateway's matching
// result envelope.
const resultTimeout = 10 * time.Second

var dialGateway = func(ctx context.Context, urlStr string) (*httpclient.WSConn, error) {
	return httpclient.DialWS(ctx, urlStr, nil)
}

// GatewayUserAgent implements UserAgent against a websocket SIP gateway.
type GatewayUserAgent struct {
	url        string
	sampleRate int

	mu       sync.Mutex
	conn     *httpclient.WSConn
	pending  map[string]chan gatewayEnvelope
	media    map[string]*gatewayCallMedia
	incoming chan IncomingCall
	closed   bool
}

// NewGatewayUserAgent builds a UserAgent that will connect to the gateway
// at url. sampleRate is the telephony PCM rate the gateway produces and
// consumes.
func NewGatewayUserAgent(url string, sampleRate int) *GatewayUserAgent {
	return &GatewayUserAgent{
		url:        url,
		sampleRate: sampleRate,
		pending:    make(map[string]chan gatewayEnvelope),
		media:      make(map[string]*gatewayCallMedia),
		incoming:   make(chan IncomingCall, 16),
	}
}

// Connect dials the gateway and starts the read loop. Must be called once
// before any other method.
func (g *GatewayUserAgent) Connect(ctx context.Context) error {
	conn, err := dialGateway(ctx, g.url)
	if err != nil {
		return fmt.Errorf("sip: dial gateway: %w", err)
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	go g.readLoop()
	return nil
}

// Close shuts the gateway connection down; in-flight requests fail.
func (g *GatewayUserAgent) Close() error {
	g.mu.Lock()
	conn := g.conn
	g.closed = true
	g.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (g *GatewayUserAgent) readLoop() {
	ctx := context.Background()
	for {
		g.mu.Lock()
		conn := g.conn
		g.mu.Unlock()
		if conn == nil {
			return
		}
		var env gatewayEnvelope
		if err := conn.ReadJSON(ctx, &env); err != nil {
			g.failAllPending(err)
			return
		}
		g.dispatch(env)
	}
}

func (g *GatewayUserAgent) dispatch(env gatewayEnvelope) {
	switch env.Kind {
	case "result":
		g.mu.Lock()
		ch, ok := g.pending[env.Ref]
		delete(g.pending, env.Ref)
		g.mu.Unlock()
		if ok {
			ch <- env
		}
	case "incoming_call":
		select {
		case g.incoming <- IncomingCall{
			CallID:      env.CallID,
			ExtensionID: env.ExtensionID,
			RemoteURI:   env.RemoteURI,
			RemoteName:  env.RemoteName,
		}:
		default:
			// Inbound burst beyond the buffer; the gateway will retransmit
			// on SIP retry.
		}
	case "audio":
		g.mu.Lock()
		m := g.media[env.CallID]
		g.mu.Unlock()
		if m == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(env.Audio)
		if err != nil {
			return
		}
		m.deliver(pcm)
	case "call_ended":
		g.mu.Lock()
		m := g.media[env.CallID]
		delete(g.media, env.CallID)
		g.mu.Unlock()
		if m != nil {
			m.close()
		}
	}
}

func (g *GatewayUserAgent) failAllPending(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ref, ch := range g.pending {
		ch <- gatewayEnvelope{Kind: "result", Ref: ref, Error: err.Error()}
		delete(g.pending, ref)
	}
	for id, m := range g.media {
		m.close()
		delete(g.media, id)
	}
}

// request sends env with a fresh ref and waits for the gateway's matching
// result envelope.
func (g *GatewayUserAgent) request(ctx context.Context, env gatewayEnvelope) (gatewayEnvelope, error) {
	env.Ref = uuid.NewString()
	ch := make(chan gatewayEnvelope, 1)

	g.mu.Lock()
	conn := g.conn
	if conn == nil || g.closed {
		g.mu.Unlock()
		return gatewayEnvelope{}, fmt.Errorf("sip: gateway not connected")
	}
	g.pending[env.Ref] = ch
	g.mu.Unlock()

	if err := conn.WriteJSON(ctx, env); err != nil {
		g.mu.Lock()
		delete(g.pending, env.Ref)
		g.mu.Unlock()
		return gatewayEnvelope{}, fmt.Errorf("sip: gateway write: %w", err)
	}

	timer := time.NewTimer(resultTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return gatewayEnvelope{}, ctx.Err()
	case <-timer.C:
		g.mu.Lock()
		delete(g.pending, env.Ref)
		g.mu.Unlock()
		return gatewayEnvelope{}, fmt.Errorf("sip: gateway %s timed out", env.Kind)
	case res := <-ch:
		if res.Error != "" {
			return res, fmt.Errorf("sip: gateway %s: %s", env.Kind, res.Error)
		}
		return res, nil
	}
}

// Register implements UserAgent.
func (g *GatewayUserAgent) Register(ctx context.Context, ext domain.SipExtension) error {
	_, err := g.request(ctx, gatewayEnvelope{
		Kind:        "register",
		ExtensionID: ext.ID,
		Registrar:   ext.Registrar,
		Username:    ext.Username,
		Password:    ext.Password,
		Realm:       ext.Realm,
		Proxy:       ext.OutboundProxy,
	})
	return err
}

// Unregister implements UserAgent.
func (g *GatewayUserAgent) Unregister(ctx context.Context, ext domain.SipExtension) error {
	_, err := g.request(ctx, gatewayEnvelope{Kind: "unregister", ExtensionID: ext.ID})
	return err
}

// IncomingCalls implements UserAgent.
func (g *GatewayUserAgent) IncomingCalls() <-chan IncomingCall { return g.incoming }

// AnswerCall implements UserAgent: sends the answer command and binds a
// media surface for the call's audio exchange.
func (g *GatewayUserAgent) AnswerCall(ctx context.Context, callID string) (CallMedia, error) {
	if _, err := g.request(ctx, gatewayEnvelope{Kind: "answer", CallID: callID}); err != nil {
		return nil, err
	}
	m := newGatewayCallMedia(g, callID, g.sampleRate)
	g.mu.Lock()
	g.media[callID] = m
	g.mu.Unlock()
	return m, nil
}

// HangupCall implements UserAgent.
func (g *GatewayUserAgent) HangupCall(ctx context.Context, callID string) error {
	_, err := g.request(ctx, gatewayEnvelope{Kind: "hangup", CallID: callID})
	return err
}

// send writes a fire-and-forget envelope (audio frames, play commands).
func (g *GatewayUserAgent) send(ctx context.Context, env gatewayEnvelope) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sip: gateway not connected")
	}
	return conn.WriteJSON(ctx, env)
}

// gatewayCallMedia is the per-call audio surface bound to one answered
// call: inbound frames fan out to both the VAD loop and the recorder
// buffer the takeover bridge reads.
type gatewayCallMedia struct {
	ua         *GatewayUserAgent
	callID     string
	sampleRate int

	frames chan []byte

	mu     sync.Mutex
	recBuf []byte
	done   bool
}

func newGatewayCallMedia(ua *GatewayUserAgent, callID string, sampleRate int) *gatewayCallMedia {
	return &gatewayCallMedia{
		ua:         ua,
		callID:     callID,
		sampleRate: sampleRate,
		frames:     make(chan []byte, 64),
	}
}

func (m *gatewayCallMedia) deliver(pcm []byte) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.recBuf = append(m.recBuf, pcm...)
	m.mu.Unlock()

	select {
	case m.frames <- pcm:
	default:
		// VAD loop stalled; dropping the frame beats blocking the gateway
		// read loop.
	}
}

func (m *gatewayCallMedia) close() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	m.mu.Unlock()
	close(m.frames)
}

// AudioFrames implements CallMedia.
func (m *gatewayCallMedia) AudioFrames() <-chan []byte { return m.frames }

// ReadNew implements livekitbridge.CallRecorder: returns and consumes
// whatever caller audio has accumulated since the last read.
func (m *gatewayCallMedia) ReadNew(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recBuf) == 0 {
		return nil, nil
	}
	out := m.recBuf
	m.recBuf = nil
	return out, nil
}

// PlayWAV implements livekitbridge.CallPlayer: plays a short WAV buffer
// directly on the call media.
func (m *gatewayCallMedia) PlayWAV(ctx context.Context, wav []byte) error {
	return m.ua.send(ctx, gatewayEnvelope{
		Kind:   "play",
		CallID: m.callID,
		Audio:  base64.StdEncoding.EncodeToString(wav),
	})
}

// WriteAudio implements turnengine.AudioOut: resamples synthesized speech
// to the telephony rate and ships it as a WAV play command.
func (m *gatewayCallMedia) WriteAudio(ctx context.Context, pcm16 []byte, sampleRate int) error {
	if sampleRate != m.sampleRate {
		if sampleRate > m.sampleRate {
			pcm16 = audio.DownsampleBoxFilter(pcm16, sampleRate, m.sampleRate)
		} else {
			pcm16 = audio.UpsampleLinear(pcm16, sampleRate, m.sampleRate)
		}
	}
	return m.PlayWAV(ctx, audio.WrapPCM16AsWAV(pcm16, m.sampleRate, 1))
}

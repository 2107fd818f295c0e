// Package sip implements the SIP session controller: one softphone per
// configured SipExtension, auto-answering inbound calls,
// owning a call-local Turn Engine, and running the takeover swap that
// replaces the AI audio producer with a bidirectional LiveKit bridge while
// a human operator is on the line.
//
// Implementing the SIP protocol itself is not this package's job:
// UserAgent is its contract with the external SIP user-agent, and
// GatewayUserAgent is the concrete client that drives one over a
// websocket control connection.
package sip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxnexus/core/internal/conversationlog"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/guardian"
	"github.com/voxnexus/core/internal/livekitbridge"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/internal/sessionassembly"
	"github.com/voxnexus/core/internal/syncutil"
	"github.com/voxnexus/core/internal/vad"
)

// maxConcurrentCalls bounds how many calls one process answers at once.
// Provider HTTP clients are per-session, which bounds the blast radius of
// a stuck connection, but the process itself still needs a ceiling on how
// many it opens at a time.
const maxConcurrentCalls = 64

// registrationRefreshInterval is how often a REGISTERED extension
// re-sends its registration.
const registrationRefreshInterval = 300 * time.Second

// RegistrationState is a transient view of an extension's registration
// lifecycle. REGISTERING never persists to the store: ExtensionStatus has
// no such value, it is a Controller-local in-flight state.
type RegistrationState string

const (
	StateUnregistered RegistrationState = "UNREGISTERED"
	StateRegistering  RegistrationState = "REGISTERING"
	StateRegistered   RegistrationState = "REGISTERED"
	StateFailed       RegistrationState = "FAILED"
)

// IncomingCall is one inbound call notification from the UserAgent.
type IncomingCall struct {
	CallID      string
	ExtensionID string
	RemoteURI   string
	RemoteName  string
}

// CallMedia is the per-call audio surface a UserAgent hands back from
// AnswerCall: a frame source for VAD segmentation, the dedicated
// call-media recorder the takeover bridge reads from, and the two
// playback paths (direct WAV for announcements/bridge flush, and the Turn
// Engine's own synthesized-speech sink).
type CallMedia interface {
	// AudioFrames yields raw mono PCM16 frames at the controller's sample
	// rate, sized for 20ms VAD frames.
	AudioFrames() <-chan []byte
	livekitbridge.CallRecorder
	livekitbridge.CallPlayer
	WriteAudio(ctx context.Context, pcm16 []byte, sampleRate int) error
}

// UserAgent is the SIP account/call surface this controller drives.
type UserAgent interface {
	Register(ctx context.Context, ext domain.SipExtension) error
	Unregister(ctx context.Context, ext domain.SipExtension) error
	IncomingCalls() <-chan IncomingCall
	AnswerCall(ctx context.Context, callID string) (CallMedia, error)
	HangupCall(ctx context.Context, callID string) error
}

// ExtensionStore is the subset of the persistence layer the controller
// needs for extension status and call-log bookkeeping.
type ExtensionStore interface {
	conversationlog.Store
	UpdateExtensionStatus(ctx context.Context, id string, status domain.ExtensionStatus, lastErr string) error
	OpenCallLog(ctx context.Context, log *domain.SipCallLog) error
	CloseCallLog(ctx context.Context, callID string, endedAt time.Time, status string) error
	GuardianConfig(ctx context.Context, agentConfigID string) (*domain.GuardianConfig, error)
}

// RoomTransportFactory builds a fresh livekitbridge.RoomTransport for one
// call's takeover bridge.
type RoomTransportFactory func() livekitbridge.RoomTransport

// activeCall is the Controller's bookkeeping for one in-progress call.
type activeCall struct {
	info     IncomingCall
	media    CallMedia
	session  *sessionassembly.Session
	recorder *conversationlog.Recorder
	cancel   context.CancelFunc
}

// Controller drives every configured SipExtension: registration lifecycle,
// inbound call handling, and the Guardian takeover swap.
type Controller struct {
	ua         UserAgent
	store      ExtensionStore
	assembler  *sessionassembly.Assembler
	supervisor *guardian.Supervisor
	roomFor    RoomTransportFactory
	holdWAV    []byte
	sampleRate int

	pool *syncutil.WorkerPool

	mu         sync.Mutex
	extensions map[string]domain.SipExtension
	regState   map[string]RegistrationState
	calls      map[string]*activeCall
}

// New builds a Controller.
func New(ua UserAgent, store ExtensionStore, assembler *sessionassembly.Assembler, supervisor *guardian.Supervisor, roomFor RoomTransportFactory, holdWAV []byte, sampleRate int) *Controller {
	return &Controller{
		ua:         ua,
		store:      store,
		assembler:  assembler,
		supervisor: supervisor,
		roomFor:    roomFor,
		holdWAV:    holdWAV,
		sampleRate: sampleRate,
		pool:       syncutil.NewWorkerPool(maxConcurrentCalls),
		extensions: make(map[string]domain.SipExtension),
		regState:   make(map[string]RegistrationState),
		calls:      make(map[string]*activeCall),
	}
}

// RegisterExtension drives one extension through UNREGISTERED →
// REGISTERING → REGISTERED|FAILED, persists the result, and starts its
// background refresh loop on success.
func (c *Controller) RegisterExtension(ctx context.Context, ext domain.SipExtension) {
	ctx, span := otelx.StartSpan(ctx, "sip.RegisterExtension", ext.ID)
	defer span.End()

	c.mu.Lock()
	c.extensions[ext.ID] = ext
	c.regState[ext.ID] = StateRegistering
	c.mu.Unlock()

	if err := c.ua.Register(ctx, ext); err != nil {
		otelx.RecordError(span, err)
		c.setRegState(ext.ID, StateFailed)
		_ = c.store.UpdateExtensionStatus(ctx, ext.ID, domain.ExtensionFailed, err.Error())
		return
	}

	c.setRegState(ext.ID, StateRegistered)
	_ = c.store.UpdateExtensionStatus(ctx, ext.ID, domain.ExtensionRegistered, "")

	go c.refreshLoop(ext.ID)
}

func (c *Controller) setRegState(extID string, s RegistrationState) {
	c.mu.Lock()
	c.regState[extID] = s
	c.mu.Unlock()
}

// refreshLoop re-registers extID every registrationRefreshInterval until
// the extension is unregistered (removed from c.extensions).
func (c *Controller) refreshLoop(extID string) {
	ticker := time.NewTicker(registrationRefreshInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		ext, ok := c.extensions[extID]
		c.mu.Unlock()
		if !ok {
			return
		}
		ctx, span := otelx.StartSpan(context.Background(), "sip.refresh", extID)
		if err := c.ua.Register(ctx, ext); err != nil {
			otelx.RecordError(span, err)
			c.setRegState(extID, StateFailed)
			_ = c.store.UpdateExtensionStatus(ctx, extID, domain.ExtensionFailed, err.Error())
		} else {
			c.setRegState(extID, StateRegistered)
			_ = c.store.UpdateExtensionStatus(ctx, extID, domain.ExtensionRegistered, "")
		}
		span.End()
	}
}

// RegistrationState reports extID's current in-memory registration state,
// for the admin surface's `GET /devices` live-registration flag.
func (c *Controller) RegistrationState(extID string) (RegistrationState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.regState[extID]
	return s, ok
}

// ActiveCallIDs lists every call currently tracked by this controller, for
// the admin surface's `GET /calls`.
func (c *Controller) ActiveCallIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.calls))
	for id := range c.calls {
		out = append(out, id)
	}
	return out
}

// Unregister removes extID from the refresh loop and tells the UserAgent
// to unregister.
func (c *Controller) Unregister(ctx context.Context, extID string) error {
	c.mu.Lock()
	ext, ok := c.extensions[extID]
	delete(c.extensions, extID)
	c.regState[extID] = StateUnregistered
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.ua.Unregister(ctx, ext); err != nil {
		return err
	}
	return c.store.UpdateExtensionStatus(ctx, extID, domain.ExtensionOffline, "")
}

// Run consumes the UserAgent's incoming-call channel until ctx is
// cancelled, handling each call on its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case call, ok := <-c.ua.IncomingCalls():
			if !ok {
				return
			}
			_ = c.pool.Submit(func() { c.handleIncomingCall(ctx, call) })
		}
	}
}

// handleIncomingCall auto-answers, assembles the session pipeline, greets,
// and runs the VAD-gated utterance loop until the call ends.
func (c *Controller) handleIncomingCall(ctx context.Context, call IncomingCall) {
	ctx, span := otelx.StartSpan(ctx, "sip.handleIncomingCall", call.ExtensionID)
	defer span.End()

	c.mu.Lock()
	ext, ok := c.extensions[call.ExtensionID]
	c.mu.Unlock()
	if !ok {
		otelx.RecordError(span, fmt.Errorf("sip: unknown extension %s", call.ExtensionID))
		_ = c.ua.HangupCall(ctx, call.CallID)
		return
	}

	media, err := c.ua.AnswerCall(ctx, call.CallID)
	if err != nil {
		otelx.RecordError(span, err)
		return
	}

	roomName := "sip-bridge-" + call.ExtensionID
	_ = c.store.OpenCallLog(ctx, &domain.SipCallLog{
		ID:          call.CallID,
		SipDeviceID: call.ExtensionID,
		CallID:      call.CallID,
		Direction:   "inbound",
		RemoteURI:   call.RemoteURI,
		RemoteName:  call.RemoteName,
		LiveKitRoom: roomName,
		Status:      "active",
		StartedAt:   time.Now(),
	})

	callCtx, cancel := context.WithCancel(ctx)
	sink := &callTranscriptSink{}

	sess, err := c.assembler.Assemble(callCtx, ext.AgentConfigID, sink, media)
	if err != nil {
		otelx.RecordError(span, err)
		cancel()
		_ = c.ua.HangupCall(ctx, call.CallID)
		_ = c.store.CloseCallLog(ctx, call.CallID, time.Now(), "failed")
		return
	}

	rec := conversationlog.Open(callCtx, c.store, call.CallID, ext.AgentConfigID, domain.OriginSIP, map[string]any{
		"extension_id": call.ExtensionID,
		"remote_uri":   call.RemoteURI,
	})

	ac := &activeCall{info: call, media: media, session: sess, recorder: rec, cancel: cancel}
	c.mu.Lock()
	c.calls[call.CallID] = ac
	c.mu.Unlock()

	bridge := livekitbridge.New(c.roomFor(), media, media, roomName, call.ExtensionID)
	supSession := &guardian.SupervisorSession{
		ConversationID: call.CallID,
		AgentConfigID:  ext.AgentConfigID,
		DeviceID:       call.ExtensionID,
		Accumulator:    guardian.NewAccumulator(),
		Callback:       &takeoverSwap{engine: sess.Engine, media: media, bridge: bridge, holdWAV: c.holdWAV},
	}
	sink.forward = func(ctx context.Context, role domain.MessageRole, text string) {
		rec.OnTurn(ctx, role, text)
		if role == domain.RoleUser || role == domain.RoleAssistant {
			c.supervisor.ObserveTranscript(ctx, call.CallID, text)
		}
	}
	c.supervisor.Open(callCtx, supSession, func(ctx context.Context) (*domain.GuardianConfig, error) {
		return c.store.GuardianConfig(ctx, ext.AgentConfigID)
	})

	if err := sess.Engine.Greet(callCtx, ext.GreetingText); err != nil {
		otelx.RecordError(span, err)
	}

	c.runUtteranceLoop(callCtx, sess, media)

	c.endCall(ctx, call.CallID)
}

// runUtteranceLoop segments media's raw audio frames with the VAD detector
// and hands each finished utterance to the Turn Engine; HandleUtterance is
// fed only on end-of-utterance.
func (c *Controller) runUtteranceLoop(ctx context.Context, sess *sessionassembly.Session, media CallMedia) {
	detector := vad.NewDetector(vad.Config{Aggressiveness: vad.AggressivenessHigh})
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-media.AudioFrames():
			if !ok {
				return
			}
			buf = append(buf, frame...)
			if detector.Push(frame) {
				utterance := buf
				buf = nil
				detector.Reset()
				_ = sess.Engine.HandleUtterance(ctx, utterance)
			}
		}
	}
}

// endCall tears down an active call's bookkeeping: closes the bridge if
// still running, releases the takeover lock, and updates the call-log
// row.
func (c *Controller) endCall(ctx context.Context, callID string) {
	c.mu.Lock()
	ac, ok := c.calls[callID]
	delete(c.calls, callID)
	c.mu.Unlock()
	if !ok {
		return
	}
	ac.cancel()
	c.supervisor.Close(ctx, callID)
	ac.recorder.Close(ctx, map[string]any{"ended_reason": "hangup"})
	_ = c.store.CloseCallLog(ctx, callID, time.Now(), "completed")
}

// callTranscriptSink adapts turnengine.TranscriptSink to a dynamically
// assignable forward function, since the Supervisor handle that owns the
// forwarding closure isn't available until after the session is assembled.
type callTranscriptSink struct {
	forward func(ctx context.Context, role domain.MessageRole, text string)
}

func (s *callTranscriptSink) OnTurn(ctx context.Context, role domain.MessageRole, text string) {
	if s.forward != nil {
		s.forward(ctx, role, text)
	}
}

// takeoverSwap implements guardian.TakeoverController for one SIP call.
// The ordering is load-bearing: mute, stop playback, announce, bridge up
// on Mute; bridge down, unpublish, disconnect, unmute on Unmute.
type takeoverSwap struct {
	engine  engineTakeover
	media   CallMedia
	bridge  *livekitbridge.Bridge
	holdWAV []byte
}

// engineTakeover is the minimal Turn Engine surface the swap needs.
type engineTakeover interface {
	Mute(ctx context.Context)
	Unmute(ctx context.Context)
}

func (t *takeoverSwap) Mute(ctx context.Context) {
	t.engine.Mute(ctx) // MUTED: no further TTS, stops in-flight playback via state check
	if len(t.holdWAV) > 0 {
		_ = t.media.PlayWAV(ctx, t.holdWAV)
	}
	_ = t.bridge.Start(ctx)
}

func (t *takeoverSwap) Unmute(ctx context.Context) {
	_ = t.bridge.Stop(ctx)
	t.engine.Unmute(ctx)
}

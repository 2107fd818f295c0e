package webrtcsession

import (
	"context"
	"sync"

	"github.com/voxnexus/core/internal/sessionassembly"
)

// defaultWebRTCGreetingPrefix is used because the agent config carries no
// SIP-style greeting text (AgentConfig has none; only SipExtension does),
// and WebRTC dispatches have no per-extension record to hold one.
const defaultWebRTCGreetingPrefix = "Hi, this is "

// roomSession owns one dispatch's live pipeline and implements
// guardian.TakeoverController for the in-band and broker-driven takeover
// paths alike. Unlike the SIP controller's mute/hold/bridge, a WebRTC
// takeover tears the pipeline down entirely and rebuilds it on release,
// since the human operator reaches the caller by joining the same room
// directly rather than through a dedicated bridge.
type roomSession struct {
	controller *Controller
	dispatch   Dispatch
	room       RoomSession
	sink       *roomTranscriptSink

	// mu guards current: the audio loop and the command loop run on
	// separate goroutines, and a takeover must never race the utterance
	// path into a torn-down pipeline.
	mu      sync.Mutex
	current *sessionassembly.Session
}

func newRoomSession(c *Controller, dispatch Dispatch, room RoomSession, sink *roomTranscriptSink) *roomSession {
	return &roomSession{controller: c, dispatch: dispatch, room: room, sink: sink}
}

// rebuild (re)assembles the Turn Engine pipeline against the room's
// published-audio output.
func (s *roomSession) rebuild(ctx context.Context) error {
	out := &roomAudioOut{room: s.room}
	session, err := s.controller.assembler.Assemble(ctx, s.dispatch.AgentConfigID, s.sink, out)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = session
	s.mu.Unlock()
	return nil
}

// snapshot returns the live pipeline, or nil while torn down for takeover.
func (s *roomSession) snapshot() *sessionassembly.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *roomSession) greet(ctx context.Context) {
	cur := s.snapshot()
	if cur == nil {
		return
	}
	_ = cur.Engine.Greet(ctx, defaultWebRTCGreetingPrefix+cur.AgentConfig.Name+".")
}

func (s *roomSession) handleUtterance(ctx context.Context, pcm16 []byte) {
	// Called outside the lock: a turn can take seconds, and Mute must not
	// block behind it. The engine's own MUTED re-checks stop any turn that
	// a takeover catches mid-flight.
	cur := s.snapshot()
	if cur == nil {
		return
	}
	_ = cur.Engine.HandleUtterance(ctx, pcm16)
}

// Mute implements guardian.TakeoverController: interrupts the turn engine,
// announces a short hold line, tears the pipeline down, then mutes and
// unpublishes the locally-published audio track.
func (s *roomSession) Mute(ctx context.Context) {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur == nil {
		return
	}
	_ = cur.Engine.Greet(ctx, "One moment, a human team member is joining.")
	cur.Engine.Mute(ctx)
	_ = s.room.UnpublishAudio(ctx)
	s.publishStatus(ctx, commandTakeover)
}

// Unmute implements guardian.TakeoverController: rebuilds the Turn Engine
// from the same AgentConfig (it was torn down on Mute), resumes with a
// short return line, and announces the release over guardian_status.
func (s *roomSession) Unmute(ctx context.Context) {
	if s.snapshot() == nil {
		if err := s.rebuild(ctx); err != nil {
			return
		}
	}
	cur := s.snapshot()
	if cur == nil {
		return
	}
	_ = cur.Engine.Greet(ctx, "Thanks for your patience, I'm back.")
	s.publishStatus(ctx, commandRelease)
}

func (s *roomSession) publishStatus(ctx context.Context, status string) {
	payload, err := marshalCommand(status)
	if err != nil {
		return
	}
	_ = s.room.SendData(ctx, dataTopicStatus, payload)
}

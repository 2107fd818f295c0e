// Package webrtcsession implements the WebRTC agent session controller:
// it claims a room before joining it, runs a Turn Engine
// against the remote participant, and handles an in-band takeover/release
// exchanged over the room's `guardian_command`/`guardian_status` data
// channel.
package webrtcsession

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/voxnexus/core/internal/conversationlog"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/guardian"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/internal/sessionassembly"
	"github.com/voxnexus/core/internal/vad"
)

// roomClaimTTL bounds how long a claim is held before it must be renewed,
// sized to outlast any plausible dispatch session.
const roomClaimTTL = 2 * time.Hour

const (
	dataTopicCommand = "guardian_command"
	dataTopicStatus  = "guardian_status"

	commandTakeover = "takeover"
	commandRelease  = "release"
)

// Dispatch identifies one room-join request.
type Dispatch struct {
	JobID         string `json:"jobId"`
	TaskID        string `json:"taskId"`
	RoomName      string `json:"roomName"`
	AgentConfigID string `json:"agentConfigId"`
}

// AgentInstanceID is this dispatch's room-claim owner identity.
func (d Dispatch) AgentInstanceID() string { return d.JobID + ":" + d.TaskID }

// RoomClaimer is the room-claim capability this controller needs before joining
// any room.
type RoomClaimer interface {
	ClaimRoom(ctx context.Context, roomName, owner string, ttl time.Duration) (bool, error)
	ReleaseRoom(ctx context.Context, roomName, owner string) error
}

// RoomSession is this controller's contract with the external SFU: join,
// publish/unpublish the agent's own audio, observe the remote
// participant's audio for VAD segmentation, and exchange data-channel
// messages. Implementing the underlying WebRTC/SFU protocol is the SFU's
// job, not this package's; PeerRoomSession backs this with pion/webrtc +
// the room's signaling endpoint, mirroring internal/livekitbridge's
// RoomTransport.
type RoomSession interface {
	Join(ctx context.Context, roomName, identity string) error
	PublishAudio(ctx context.Context, pcm16 []byte, sampleRate int) error
	UnpublishAudio(ctx context.Context) error
	AudioFrames() <-chan []byte
	DataMessages() <-chan []byte
	SendData(ctx context.Context, topic string, payload []byte) error
	Disconnect(ctx context.Context) error
}

// RoomSessionFactory builds a fresh RoomSession for one dispatch.
type RoomSessionFactory func() RoomSession

// command is the wire shape exchanged on guardian_command and
// guardian_status.
type command struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// roomAudioOut adapts a RoomSession's publish call to turnengine.AudioOut.
type roomAudioOut struct {
	room RoomSession
}

func (o *roomAudioOut) WriteAudio(ctx context.Context, pcm16 []byte, sampleRate int) error {
	return o.room.PublishAudio(ctx, pcm16, sampleRate)
}

// Controller drives one dispatched room session end-to-end.
type Controller struct {
	claimer    RoomClaimer
	assembler  *sessionassembly.Assembler
	supervisor *guardian.Supervisor
	store      SessionStore

	mu       sync.Mutex
	seenCmds map[string]struct{}
}

// SessionStore is the subset of the store the controller needs: Guardian
// keyword config for opening the supervisor session, plus conversation and
// message persistence.
type SessionStore interface {
	conversationlog.Store
	GuardianConfig(ctx context.Context, agentConfigID string) (*domain.GuardianConfig, error)
}

// New builds a Controller.
func New(claimer RoomClaimer, assembler *sessionassembly.Assembler, supervisor *guardian.Supervisor, store SessionStore) *Controller {
	return &Controller{
		claimer:    claimer,
		assembler:  assembler,
		supervisor: supervisor,
		store:      store,
		seenCmds:   make(map[string]struct{}),
	}
}

// HandleDispatch claims the dispatch's room, and only on success joins it
// and runs the session until the room disconnects. If the claim is already
// held the controller exits without connecting and without publishing any
// audio.
func (c *Controller) HandleDispatch(ctx context.Context, dispatch Dispatch, roomFactory RoomSessionFactory) error {
	ctx, span := otelx.StartSpan(ctx, "webrtcsession.HandleDispatch", dispatch.RoomName)
	defer span.End()

	owner := dispatch.AgentInstanceID()
	claimed, err := c.claimer.ClaimRoom(ctx, dispatch.RoomName, owner, roomClaimTTL)
	if err != nil {
		otelx.RecordError(span, err)
		return err
	}
	if !claimed {
		return nil
	}
	defer c.claimer.ReleaseRoom(ctx, dispatch.RoomName, owner)

	room := roomFactory()
	if err := room.Join(ctx, dispatch.RoomName, owner); err != nil {
		otelx.RecordError(span, err)
		return err
	}
	defer room.Disconnect(ctx)

	return c.runSession(ctx, dispatch, room)
}

// runSession assembles the pipeline, greets, and runs both the audio
// utterance loop and the in-band takeover/release command loop until the
// room closes.
func (c *Controller) runSession(ctx context.Context, dispatch Dispatch, room RoomSession) error {
	conversationID := dispatch.RoomName + ":" + dispatch.AgentInstanceID()
	sink := &roomTranscriptSink{}
	session := newRoomSession(c, dispatch, room, sink)

	if err := session.rebuild(ctx); err != nil {
		return err
	}

	rec := conversationlog.Open(ctx, c.store, conversationID, dispatch.AgentConfigID, domain.OriginWebRTC, map[string]any{
		"room":              dispatch.RoomName,
		"agent_instance_id": dispatch.AgentInstanceID(),
	})
	// Room teardown cancels ctx; the close row still has to land.
	defer rec.Close(context.WithoutCancel(ctx), map[string]any{"ended_reason": "disconnected"})

	supSession := &guardian.SupervisorSession{
		ConversationID: conversationID,
		AgentConfigID:  dispatch.AgentConfigID,
		Accumulator:    guardian.NewAccumulator(),
		Callback:       session,
	}
	sink.forward = func(ctx context.Context, role domain.MessageRole, text string) {
		rec.OnTurn(ctx, role, text)
		if role == domain.RoleUser || role == domain.RoleAssistant {
			c.supervisor.ObserveTranscript(ctx, conversationID, text)
		}
	}
	c.supervisor.Open(ctx, supSession, func(ctx context.Context) (*domain.GuardianConfig, error) {
		return c.store.GuardianConfig(ctx, dispatch.AgentConfigID)
	})
	defer c.supervisor.Close(ctx, conversationID)

	session.greet(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.runAudioLoop(ctx, room, session) }()
	go func() { defer wg.Done(); c.runCommandLoop(ctx, room, session) }()
	wg.Wait()
	return nil
}

func (c *Controller) runAudioLoop(ctx context.Context, room RoomSession, session *roomSession) {
	detector := vad.NewDetector(vad.Config{})
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-room.AudioFrames():
			if !ok {
				return
			}
			buf = append(buf, frame...)
			if detector.Push(frame) {
				utterance := buf
				buf = nil
				detector.Reset()
				session.handleUtterance(ctx, utterance)
			}
		}
	}
}

func (c *Controller) runCommandLoop(ctx context.Context, room RoomSession, session *roomSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-room.DataMessages():
			if !ok {
				return
			}
			var cmd command
			if err := json.Unmarshal(payload, &cmd); err != nil {
				continue
			}
			if c.seen(cmd) {
				continue
			}
			switch cmd.Type {
			case commandTakeover:
				session.Mute(ctx)
			case commandRelease:
				session.Unmute(ctx)
			}
		}
	}
}

func (c *Controller) seen(cmd command) bool {
	key := cmd.Type + "|" + cmd.Timestamp.UTC().Format(time.RFC3339Nano)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seenCmds[key]; ok {
		return true
	}
	c.seenCmds[key] = struct{}{}
	return false
}

// marshalCommand encodes a guardian_status announcement with the current
// timestamp, reusing the same wire shape as guardian_command.
func marshalCommand(cmdType string) ([]byte, error) {
	return json.Marshal(command{Type: cmdType, Timestamp: time.Now()})
}

// roomTranscriptSink adapts turnengine.TranscriptSink to a dynamically
// assignable forward function, the same pattern internal/sip uses.
type roomTranscriptSink struct {
	forward func(ctx context.Context, role domain.MessageRole, text string)
}

func (s *roomTranscriptSink) OnTurn(ctx context.Context, role domain.MessageRole, text string) {
	if s.forward != nil {
		s.forward(ctx, role, text)
	}
}

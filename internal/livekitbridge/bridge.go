// Package livekitbridge implements the takeover audio bridge: once a human
// operator takes a call over, this package shuttles PCM between the SIP
// leg's call media and a LiveKit room at a 10ms cadence, resampling with
// cheap, deliberately low-latency algorithms (linear interpolation up to
// 48kHz, box-filter decimation back down to 8kHz).
//
// Implementing the WebRTC/SFU wire protocol itself is out of scope here;
// RoomTransport is this package's contract with that external
// collaborator, so the bridge loop is fully testable against a fake
// without a live SFU.
package livekitbridge

import (
	"context"
	"sync"
	"time"

	"github.com/voxnexus/core/internal/audio"
	"github.com/voxnexus/core/internal/otelx"
)

// CallSampleRate and RoomSampleRate are the fixed rates on either side of
// the bridge: 8kHz telephony, 48kHz WebRTC.
const (
	CallSampleRate = 8000
	RoomSampleRate = 48000
)

// bridgeCadence is the fixed tick interval the bridge loop runs at.
const bridgeCadence = 10 * time.Millisecond

// operatorBufferTarget and operatorBufferMaxWait gate how long
// operator-side audio is accumulated before being flushed to the call
// leg: flush at ≥200ms buffered, or 150ms since the last playback,
// whichever comes first.
const (
	operatorBufferTarget  = 200 * time.Millisecond
	operatorBufferMaxWait = 150 * time.Millisecond
)

// shutdownGrace bounds how long Stop waits for the loop to observe
// cancellation before returning anyway.
const shutdownGrace = 2 * time.Second

// RoomTransport is this package's contract with the external SFU: joining
// a named room, publishing the local (caller-side) audio track, and
// draining whatever audio the subscribed operator track has produced.
type RoomTransport interface {
	Join(ctx context.Context, roomName, identity string) error
	PublishAudio(ctx context.Context, pcm16 []byte, sampleRate int) error
	// RemoteAudio returns newly-received operator-side PCM16 mono frames
	// at RoomSampleRate since the last call; implementations that have
	// nothing queued return (nil, nil).
	RemoteAudio(ctx context.Context) ([]byte, error)
	Unpublish(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// CallRecorder exposes newly-appended bytes from the call leg's dedicated
// media recorder, position-tracked past the WAV header.
type CallRecorder interface {
	ReadNew(ctx context.Context) ([]byte, error)
}

// CallPlayer plays a short WAV buffer directly on the call's media,
// independent of the Turn Engine's own playback path (used for both the
// hold announcement and the bridge's operator→caller flush).
type CallPlayer interface {
	PlayWAV(ctx context.Context, wav []byte) error
}

// Bridge drives one call's takeover audio bridge. Not safe for concurrent
// Start/Stop calls.
type Bridge struct {
	room     RoomTransport
	recorder CallRecorder
	player   CallPlayer
	identity string
	roomName string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	operatorBuf      []byte
	lastFlush        time.Time
}

// New builds a Bridge for one call leg's takeover. roomName should be
// `sip-bridge-<extensionId>`.
func New(room RoomTransport, recorder CallRecorder, player CallPlayer, roomName, identity string) *Bridge {
	return &Bridge{room: room, recorder: recorder, player: player, roomName: roomName, identity: identity}
}

// Start joins the room and begins the 10ms bridge loop, which publishes
// the caller-side audio, in a background goroutine. Returns once the room
// join succeeds; loop errors are discarded, not returned.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.room.Join(ctx, b.roomName, b.identity); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	b.lastFlush = time.Now()
	b.mu.Unlock()

	go b.run(loopCtx)
	return nil
}

// Stop cancels the bridge loop and waits up to shutdownGrace for it to
// observe cancellation, then unpublishes the local track and disconnects
// from the room regardless of whether the loop exited cleanly in time.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	cancel := b.cancel
	done := b.done
	b.running = false
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
	}

	if err := b.room.Unpublish(ctx); err != nil {
		return err
	}
	return b.room.Disconnect(ctx)
}

// run is the 10ms bridge loop: caller→operator on every tick,
// operator→caller once its buffer target is met.
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(bridgeCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Bridge) tick(ctx context.Context) {
	_, span := otelx.StartSpan(ctx, "livekitbridge.tick", b.roomName)
	defer span.End()

	b.pumpCallerToOperator(ctx)
	b.pumpOperatorToCaller(ctx)
}

// pumpCallerToOperator reads newly-recorded caller audio, upsamples it to
// the room's rate, and publishes it.
func (b *Bridge) pumpCallerToOperator(ctx context.Context) {
	chunk, err := b.recorder.ReadNew(ctx)
	if err != nil || len(chunk) == 0 {
		return
	}
	resampled := audio.UpsampleLinear(chunk, CallSampleRate, RoomSampleRate)
	_ = b.room.PublishAudio(ctx, resampled, RoomSampleRate)
}

// pumpOperatorToCaller drains queued operator audio, downsamples it, and
// flushes the accumulated buffer to the call leg once enough audio has
// built up or the max-wait elapses.
func (b *Bridge) pumpOperatorToCaller(ctx context.Context) {
	chunk, err := b.room.RemoteAudio(ctx)
	if err == nil && len(chunk) > 0 {
		b.operatorBuf = append(b.operatorBuf, audio.DownsampleBoxFilter(chunk, RoomSampleRate, CallSampleRate)...)
	}

	bufferedDuration := pcmDuration(len(b.operatorBuf), CallSampleRate)
	sinceLastFlush := time.Since(b.lastFlush)

	if bufferedDuration < operatorBufferTarget && sinceLastFlush < operatorBufferMaxWait {
		return
	}
	if len(b.operatorBuf) == 0 {
		return
	}

	wav := audio.WrapPCM16AsWAV(b.operatorBuf, CallSampleRate, 1)
	_ = b.player.PlayWAV(ctx, wav)
	b.operatorBuf = nil
	b.lastFlush = time.Now()
}

func pcmDuration(byteLen, sampleRate int) time.Duration {
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

package webrtcsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voxnexus/core/internal/otelx"
)

// RoomSampleRate is the PCM rate this transport publishes and expects on
// the room's audio tracks.
const RoomSampleRate = 48000

// signalEnvelope mirrors internal/livekitbridge's minimal join/offer/answer
// handshake; see that package's doc comment for why this stands in for the
// real LiveKit wire protocol.
type signalEnvelope struct {
	Kind     string `json:"kind"`
	RoomName string `json:"roomName,omitempty"`
	Identity string `json:"identity,omitempty"`
	Token    string `json:"token,omitempty"`
	SDP      string `json:"sdp,omitempty"`
}

// joinTokenTTL bounds the minted room token's validity; a dispatch session
// is expected to finish well inside this window.
const joinTokenTTL = 6 * time.Hour

func mintJoinToken(apiKey, apiSecret, roomName, identity string) (string, error) {
	at := auth.NewAccessToken(apiKey, apiSecret).
		SetIdentity(identity).
		SetValidFor(joinTokenTTL).
		SetVideoGrant(&auth.VideoGrant{RoomJoin: true, Room: roomName})
	return at.ToJWT()
}

var dialSignaling = func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, urlStr, nil)
	return conn, err
}

// PeerRoomSession is the real RoomSession implementation: a pion/webrtc
// PeerConnection publishing one local audio track, subscribing to the
// remote participant's track, and carrying the guardian_command /
// guardian_status exchange over a data channel.
type PeerRoomSession struct {
	signalingURL string
	apiKey       string
	apiSecret    string

	mu       sync.Mutex
	conn     *websocket.Conn
	pc       *webrtc.PeerConnection
	localTr  *webrtc.TrackLocalStaticSample
	dc       *webrtc.DataChannel
	audioCh  chan []byte
	dataCh   chan []byte
}

// NewPeerRoomSession builds a session that will signal against
// signalingURL when Join is called, authenticating with a room token
// minted from the given API key/secret pair.
func NewPeerRoomSession(signalingURL, apiKey, apiSecret string) *PeerRoomSession {
	return &PeerRoomSession{
		signalingURL: signalingURL,
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		audioCh:      make(chan []byte, 64),
		dataCh:       make(chan []byte, 64),
	}
}

// Join opens signaling, builds the PeerConnection with one local audio
// track and one guardian_command/guardian_status data channel, negotiates
// the offer/answer, and starts draining the remote track.
func (t *PeerRoomSession) Join(ctx context.Context, roomName, identity string) error {
	ctx, span := otelx.StartSpan(ctx, "webrtcsession.Join", roomName)
	defer span.End()

	conn, err := dialSignaling(ctx, t.signalingURL)
	if err != nil {
		otelx.RecordError(span, err)
		return fmt.Errorf("webrtcsession: dial signaling: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "peerconnection init failed")
		return fmt.Errorf("webrtcsession: new peer connection: %w", err)
	}

	localTr, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", identity,
	)
	if err != nil {
		pc.Close()
		conn.Close(websocket.StatusInternalError, "local track init failed")
		return fmt.Errorf("webrtcsession: new local track: %w", err)
	}
	if _, err := pc.AddTrack(localTr); err != nil {
		pc.Close()
		conn.Close(websocket.StatusInternalError, "add track failed")
		return fmt.Errorf("webrtcsession: add track: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataTopicCommand, nil)
	if err != nil {
		pc.Close()
		conn.Close(websocket.StatusInternalError, "data channel init failed")
		return fmt.Errorf("webrtcsession: create data channel: %w", err)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.deliverData(msg.Data)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.drainRemoteTrack(remote)
	})

	if err := t.negotiate(ctx, conn, pc, roomName, identity); err != nil {
		pc.Close()
		conn.Close(websocket.StatusInternalError, "negotiation failed")
		return err
	}

	t.mu.Lock()
	t.conn, t.pc, t.localTr, t.dc = conn, pc, localTr, dc
	t.mu.Unlock()
	return nil
}

func (t *PeerRoomSession) negotiate(ctx context.Context, conn *websocket.Conn, pc *webrtc.PeerConnection, roomName, identity string) error {
	token, err := mintJoinToken(t.apiKey, t.apiSecret, roomName, identity)
	if err != nil {
		return fmt.Errorf("webrtcsession: mint join token: %w", err)
	}
	if err := writeJSON(ctx, conn, signalEnvelope{Kind: "join", RoomName: roomName, Identity: identity, Token: token}); err != nil {
		return fmt.Errorf("webrtcsession: send join: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtcsession: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtcsession: set local description: %w", err)
	}
	if err := writeJSON(ctx, conn, signalEnvelope{Kind: "offer", SDP: offer.SDP}); err != nil {
		return fmt.Errorf("webrtcsession: send offer: %w", err)
	}
	var answer signalEnvelope
	if err := readJSON(ctx, conn, &answer); err != nil {
		return fmt.Errorf("webrtcsession: read answer: %w", err)
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (t *PeerRoomSession) drainRemoteTrack(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case t.audioCh <- frame:
		default:
			<-t.audioCh
			t.audioCh <- frame
		}
	}
}

func (t *PeerRoomSession) deliverData(payload []byte) {
	frame := make([]byte, len(payload))
	copy(frame, payload)
	select {
	case t.dataCh <- frame:
	default:
		<-t.dataCh
		t.dataCh <- frame
	}
}

// PublishAudio writes pcm16 as one sample on the local track. Real Opus
// encoding is a neural/codec concern outside this package's scope; the raw
// PCM payload is carried as-is.
func (t *PeerRoomSession) PublishAudio(ctx context.Context, pcm16 []byte, sampleRate int) error {
	t.mu.Lock()
	tr := t.localTr
	t.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("webrtcsession: publish before join")
	}
	samples := uint32(len(pcm16) / 2)
	return tr.WriteSample(media.Sample{Data: pcm16, Duration: time.Duration(samples) * time.Second / time.Duration(sampleRate)})
}

func (t *PeerRoomSession) UnpublishAudio(ctx context.Context) error {
	t.mu.Lock()
	pc, localTr := t.pc, t.localTr
	t.mu.Unlock()
	if pc == nil {
		return nil
	}
	for _, sender := range pc.GetSenders() {
		if sender.Track() == localTr {
			return pc.RemoveTrack(sender)
		}
	}
	return nil
}

func (t *PeerRoomSession) AudioFrames() <-chan []byte { return t.audioCh }
func (t *PeerRoomSession) DataMessages() <-chan []byte { return t.dataCh }

func (t *PeerRoomSession) SendData(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("webrtcsession: send before join")
	}
	return dc.Send(payload)
}

func (t *PeerRoomSession) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	pc, conn := t.pc, t.conn
	t.pc, t.conn = nil, nil
	t.mu.Unlock()

	var pcErr error
	if pc != nil {
		pcErr = pc.Close()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session disconnect")
	}
	return pcErr
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v signalEnvelope) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func readJSON(ctx context.Context, conn *websocket.Conn, v *signalEnvelope) error {
	_, payload, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

package livekitbridge

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

// joinTokenTTL bounds how long a minted room token stays valid; bridges
// live for one takeover window, so a few hours is generous.
const joinTokenTTL = 6 * time.Hour

// signalEnvelope is the join/offer/answer exchange this package speaks with
// the SFU's signaling endpoint. The real LiveKit wire protocol is protobuf
// and considerably richer; reproducing it is implementing the WebRTC/SFU
// protocol itself, which this module treats as an external collaborator's
// job. This envelope is the minimal join-offer-answer handshake
// PeerRoomTransport actually needs, and is this package's own contract
// with whatever signaling endpoint fronts the room (see DESIGN.md).
type signalEnvelope struct {
	Kind      string `json:"kind"` // "join" | "offer" | "answer" | "ice"
	RoomName  string `json:"roomName,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Token     string `json:"token,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// dialSignaling opens the websocket signaling connection to urlStr. Kept as
// a package-level var so tests can stub it without a live server.
var dialSignaling = func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, urlStr, nil)
	return conn, err
}

// PeerRoomTransport is the real RoomTransport implementation: a single
// pion/webrtc PeerConnection publishing one local audio track and
// subscribing to one remote audio track, joined to the room via a JSON
// signaling handshake over a websocket (see signalEnvelope).
type PeerRoomTransport struct {
	signalingURL string
	apiKey       string
	apiSecret    string

	mu       sync.Mutex
	conn     *websocket.Conn
	pc       *webrtc.PeerConnection
	localTr  *webrtc.TrackLocalStaticSample
	remoteCh chan []byte
}

// NewPeerRoomTransport builds a transport that will signal against
// signalingURL when Join is called, authenticating with a room token
// minted from the given API key/secret pair.
func NewPeerRoomTransport(signalingURL, apiKey, apiSecret string) *PeerRoomTransport {
	return &PeerRoomTransport{
		signalingURL: signalingURL,
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		remoteCh:     make(chan []byte, 64),
	}
}

// mintJoinToken builds the signed room-scoped access token the signaling
// endpoint verifies before admitting the join.
func mintJoinToken(apiKey, apiSecret, roomName, identity string) (string, error) {
	at := auth.NewAccessToken(apiKey, apiSecret).
		SetIdentity(identity).
		SetValidFor(joinTokenTTL).
		SetVideoGrant(&auth.VideoGrant{RoomJoin: true, Room: roomName})
	return at.ToJWT()
}

// Join opens the signaling connection, creates the PeerConnection and local
// track, negotiates an offer/answer, and starts draining the remote track
// into RemoteAudio's buffer.
func (t *PeerRoomTransport) Join(ctx context.Context, roomName, identity string) error {
	ctx, span := otelx.StartSpan(ctx, "livekitbridge.Join", roomName)
	defer span.End()

	conn, err := dialSignaling(ctx, t.signalingURL)
	if err != nil {
		otelx.RecordError(span, err)
		return fmt.Errorf("livekitbridge: dial signaling: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "peerconnection init failed")
		return fmt.Errorf("livekitbridge: new peer connection: %w", err)
	}

	localTr, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU},
		"audio", identity,
	)
	if err != nil {
		pc.Close()
		conn.Close(websocket.StatusInternalError, "local track init failed")
		return fmt.Errorf("livekitbridge: new local track: %w", err)
	}
	if _, err := pc.AddTrack(localTr); err != nil {
		pc.Close()
		conn.Close(websocket.StatusInternalError, "add track failed")
		return fmt.Errorf("livekitbridge: add track: %w", err)
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.drainRemoteTrack(remote)
	})

	if err := t.negotiate(ctx, conn, pc, roomName, identity); err != nil {
		pc.Close()
		conn.Close(websocket.StatusInternalError, "negotiation failed")
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.pc = pc
	t.localTr = localTr
	t.mu.Unlock()
	return nil
}

func (t *PeerRoomTransport) negotiate(ctx context.Context, conn *websocket.Conn, pc *webrtc.PeerConnection, roomName, identity string) error {
	token, err := mintJoinToken(t.apiKey, t.apiSecret, roomName, identity)
	if err != nil {
		return fmt.Errorf("livekitbridge: mint join token: %w", err)
	}
	if err := writeJSON(ctx, conn, signalEnvelope{Kind: "join", RoomName: roomName, Identity: identity, Token: token}); err != nil {
		return fmt.Errorf("livekitbridge: send join: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("livekitbridge: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("livekitbridge: set local description: %w", err)
	}
	if err := writeJSON(ctx, conn, signalEnvelope{Kind: "offer", SDP: offer.SDP}); err != nil {
		return fmt.Errorf("livekitbridge: send offer: %w", err)
	}

	var answer signalEnvelope
	if err := readJSON(ctx, conn, &answer); err != nil {
		return fmt.Errorf("livekitbridge: read answer: %w", err)
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (t *PeerRoomTransport) drainRemoteTrack(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case t.remoteCh <- frame:
		default:
			// Remote side outrunning the bridge loop's drain rate; drop
			// the oldest frame rather than block the RTP reader.
			<-t.remoteCh
			t.remoteCh <- frame
		}
	}
}

// PublishAudio writes pcm16 as one RTP sample on the local track. Real
// Opus encoding is a neural/codec concern this package does not own; the
// raw PCM payload is carried as-is, matching this package's scope as a
// client of an external SFU rather than a codec implementation.
func (t *PeerRoomTransport) PublishAudio(ctx context.Context, pcm16 []byte, sampleRate int) error {
	t.mu.Lock()
	tr := t.localTr
	t.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("livekitbridge: publish before join")
	}
	samples := uint32(len(pcm16) / 2)
	return tr.WriteSample(media.Sample{Data: pcm16, Duration: time.Duration(samples) * time.Second / time.Duration(sampleRate)})
}

// RemoteAudio drains whatever remote frames have arrived since the last
// call without blocking.
func (t *PeerRoomTransport) RemoteAudio(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		select {
		case frame := <-t.remoteCh:
			out = append(out, frame...)
		default:
			return out, nil
		}
	}
}

func (t *PeerRoomTransport) Unpublish(ctx context.Context) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return nil
	}
	for _, sender := range pc.GetSenders() {
		if sender.Track() == t.localTr {
			return pc.RemoveTrack(sender)
		}
	}
	return nil
}

func (t *PeerRoomTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	pc, conn := t.pc, t.conn
	t.pc, t.conn = nil, nil
	t.mu.Unlock()

	var pcErr error
	if pc != nil {
		pcErr = pc.Close()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bridge disconnect")
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

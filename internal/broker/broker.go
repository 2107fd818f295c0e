// Package broker is the Redis-backed command/event fabric: pub/sub
// channels for SIP registration and Guardian events, and TTL-keyed records
// for the takeover fencing lock, the WebRTC room-claim, and worker
// heartbeats.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxnexus/core/internal/domain"
)

const (
	ChannelSipRegister      = "sip-bridge:register"
	ChannelSipUnregister    = "sip-bridge:unregister"
	ChannelGuardianEvents   = "guardian:events"
	ChannelGuardianTakeover = "guardian:takeover"
	ChannelGuardianAlerts   = "guardian:alerts"

	// ChannelWebRTCDispatch carries room-dispatch requests to worker
	// processes; each worker races to claim the room before joining.
	ChannelWebRTCDispatch = "webrtc:dispatch"
)

// SipExtensionPayload is the wire shape of a dynamic-registration message
// on ChannelSipRegister.
type SipExtensionPayload struct {
	ID            string `json:"id"`
	AgentConfigID string `json:"agentConfigId"`
	Registrar     string `json:"registrar"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	Port          int    `json:"port"`
	Transport     string `json:"transport"`
	DisplayName   string `json:"displayName"`
	Realm         string `json:"realm"`
	OutboundProxy string `json:"outboundProxy"`
	GreetingText  string `json:"greetingText"`
}

// NewSipExtensionPayload converts a domain extension to its wire shape.
func NewSipExtensionPayload(ext domain.SipExtension) SipExtensionPayload {
	return SipExtensionPayload{
		ID:            ext.ID,
		AgentConfigID: ext.AgentConfigID,
		Registrar:     ext.Registrar,
		Username:      ext.Username,
		Password:      ext.Password,
		Port:          ext.Port,
		Transport:     ext.Transport,
		DisplayName:   ext.DisplayName,
		Realm:         ext.Realm,
		OutboundProxy: ext.OutboundProxy,
		GreetingText:  ext.GreetingText,
	}
}

// ToDomain converts the wire shape back to the domain extension.
func (p SipExtensionPayload) ToDomain() domain.SipExtension {
	return domain.SipExtension{
		ID:            p.ID,
		AgentConfigID: p.AgentConfigID,
		Registrar:     p.Registrar,
		Username:      p.Username,
		Password:      p.Password,
		Port:          p.Port,
		Transport:     p.Transport,
		DisplayName:   p.DisplayName,
		Realm:         p.Realm,
		OutboundProxy: p.OutboundProxy,
		GreetingText:  p.GreetingText,
	}
}

func takeoverLockKey(sessionID string) string { return "takeoverLock:" + sessionID }
func roomClaimKey(roomName string) string     { return "RoomClaim:" + roomName }

// Broker wraps a *redis.Client with the fixed channel/key vocabulary, so
// callers never hand-format a Redis key.
type Broker struct {
	client *redis.Client
}

// New wraps an already-constructed redis.Client. Connection lifecycle is
// the caller's responsibility; one shared client per worker process.
func New(client *redis.Client) *Broker {
	return &Broker{client: client}
}

// Publish sends payload on channel, used for SIP registration
// notifications and Guardian events/takeover/alert broadcasts.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a *redis.PubSub for channel; callers read its Channel()
// and must Close() it when done.
func (b *Broker) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return b.client.Subscribe(ctx, channel)
}

// PSubscribe returns a *redis.PubSub matching a glob pattern, used by the
// admin surface to watch every guardian:* channel at once.
func (b *Broker) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return b.client.PSubscribe(ctx, pattern)
}

// AcquireTakeoverLock attempts the fencing lock guarding a single Guardian
// takeover in flight for sessionID (SET takeoverLock:<id> NX EX). owner is
// written as the value so a caller can later verify it still holds the
// lock before releasing.
func (b *Broker) AcquireTakeoverLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, takeoverLockKey(sessionID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("broker: acquire takeover lock: %w", err)
	}
	return ok, nil
}

// ReleaseTakeoverLock unconditionally deletes the lock: finally-style
// cleanup even if the lock was never held by this process or already
// expired.
func (b *Broker) ReleaseTakeoverLock(ctx context.Context, sessionID string) error {
	if err := b.client.Del(ctx, takeoverLockKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("broker: release takeover lock: %w", err)
	}
	return nil
}

// ClaimRoom is the idempotent WebRTC dispatch lock: the first claimant
// for roomName within ttl wins; repeat claims by the same owner succeed
// (idempotent re-claim), anyone else's claim fails.
func (b *Broker) ClaimRoom(ctx context.Context, roomName, owner string, ttl time.Duration) (bool, error) {
	key := roomClaimKey(roomName)
	ok, err := b.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("broker: claim room: %w", err)
	}
	if ok {
		return true, nil
	}
	current, err := b.client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("broker: read room claim: %w", err)
	}
	return current == owner, nil
}

// RoomClaimOwner returns the current claimant of roomName, or "" if the
// room is unclaimed, for the admin surface's `POST /claim-room` response
// (`existingAgentId`).
func (b *Broker) RoomClaimOwner(ctx context.Context, roomName string) (string, error) {
	current, err := b.client.Get(ctx, roomClaimKey(roomName)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("broker: room claim owner: %w", err)
	}
	return current, nil
}

// compareAndDeleteScript deletes a key only while it still holds the
// expected value, in one atomic server-side step. A separate GET+DEL pair
// would let the key expire and be re-claimed by a new owner between the
// two calls, and the stale DEL would then destroy the new owner's claim.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseRoom deletes the claim only if owner still holds it, so a stale
// caller can never release someone else's active claim.
func (b *Broker) ReleaseRoom(ctx context.Context, roomName, owner string) error {
	err := compareAndDeleteScript.Run(ctx, b.client, []string{roomClaimKey(roomName)}, owner).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("broker: release room: %w", err)
	}
	return nil
}

// PublishHeartbeat records this worker as alive under a per-worker key with
// a short TTL, so the admin surface can list live workers without a
// separate registry.
func (b *Broker) PublishHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	key := "worker:heartbeat:" + workerID
	if err := b.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("broker: heartbeat: %w", err)
	}
	return nil
}

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return New(client), mr
}

func TestAcquireTakeoverLockIsExclusive(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	ok, err := b.AcquireTakeoverLock(ctx, "sess-1", "guardian-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireTakeoverLock(ctx, "sess-1", "guardian-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquirer must not win the fencing lock")
}

func TestReleaseTakeoverLockIsUnconditional(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.ReleaseTakeoverLock(ctx, "never-acquired"))

	ok, err := b.AcquireTakeoverLock(ctx, "sess-2", "owner", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.ReleaseTakeoverLock(ctx, "sess-2"))

	ok, err = b.AcquireTakeoverLock(ctx, "sess-2", "owner-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be acquirable again after release")
}

func TestClaimRoomIdempotentForSameOwner(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	ok, err := b.ClaimRoom(ctx, "room-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.ClaimRoom(ctx, "room-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "re-claiming by the same owner must be idempotent")

	ok, err = b.ClaimRoom(ctx, "room-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a different owner must not win an already-claimed room")
}

func TestReleaseRoomOnlyByOwner(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.ClaimRoom(ctx, "room-2", "worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.ReleaseRoom(ctx, "room-2", "worker-b"))

	ok, err := b.ClaimRoom(ctx, "room-2", "worker-c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "non-owner release must not have freed the claim")

	require.NoError(t, b.ReleaseRoom(ctx, "room-2", "worker-a"))

	ok, err = b.ClaimRoom(ctx, "room-2", "worker-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner release must free the claim")
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, ChannelGuardianEvents)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, ChannelGuardianEvents, []byte(`{"type":"risk_escalated"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, `{"type":"risk_escalated"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPublishHeartbeat(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.PublishHeartbeat(ctx, "worker-1", 10*time.Second))
	assert.True(t, mr.Exists("worker:heartbeat:worker-1"))
}

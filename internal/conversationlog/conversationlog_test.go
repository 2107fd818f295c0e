package conversationlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxnexus/core/internal/domain"
)

type fakeStore struct {
	created  []*domain.Conversation
	appended []*domain.Message
	closed   []string
	closeMeta map[string]any
	failAll  bool
}

func (f *fakeStore) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	if f.failAll {
		return errors.New("db down")
	}
	f.created = append(f.created, conv)
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	if f.failAll {
		return errors.New("db down")
	}
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeStore) CloseConversation(_ context.Context, id string, _ time.Time, extra map[string]any) error {
	if f.failAll {
		return errors.New("db down")
	}
	f.closed = append(f.closed, id)
	f.closeMeta = extra
	return nil
}

func TestRecorderLifecycle(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}

	rec := Open(ctx, store, "call-1", "agent-1", domain.OriginSIP, nil)
	require.Len(t, store.created, 1)
	assert.Equal(t, "call-1", store.created[0].ID)
	assert.Equal(t, domain.ConversationActive, store.created[0].Status)
	assert.Equal(t, "sip", store.created[0].Metadata["origin"])

	rec.OnTurn(ctx, domain.RoleUser, "Hello.")
	rec.OnTurn(ctx, domain.RoleAssistant, "Hi, how can I help?")
	require.Len(t, store.appended, 2)
	assert.Equal(t, domain.RoleUser, store.appended[0].Role)
	assert.Equal(t, "Hello.", store.appended[0].Content)
	assert.Equal(t, "call-1", store.appended[0].ConversationID)
	assert.NotEmpty(t, store.appended[0].ID)
	assert.NotEqual(t, store.appended[0].ID, store.appended[1].ID)

	rec.Close(ctx, map[string]any{"ended_reason": "hangup"})
	require.Equal(t, []string{"call-1"}, store.closed)
	assert.Equal(t, "hangup", store.closeMeta["ended_reason"])
}

func TestRecorderSurvivesStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{failAll: true}

	rec := Open(ctx, store, "call-2", "agent-1", domain.OriginWebRTC, nil)
	require.NotNil(t, rec)

	// None of these may panic or error out of the session path.
	rec.OnTurn(ctx, domain.RoleUser, "still talking")
	rec.Close(ctx, nil)
}

// Package conversationlog mirrors a session's in-process transcript to
// durable Conversation and Message rows. Persistence failures are logged
// and swallowed: a conversation never aborts because a row write failed.
package conversationlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/otelx"
)

// Store is the subset of the persistence layer the recorder writes to.
type Store interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	AppendMessage(ctx context.Context, msg *domain.Message) error
	CloseConversation(ctx context.Context, id string, endedAt time.Time, extraMetadata map[string]any) error
}

// Recorder persists one conversation's lifecycle and turn entries. It
// implements turnengine.TranscriptSink so it can sit directly in the Turn
// Engine's sink chain.
type Recorder struct {
	store          Store
	conversationID string
}

// Open creates the active Conversation row and returns a Recorder for it.
// conversationID is the session identifier the rest of the system keys on
// (the SIP call id, or the room-dispatch session id), so lock keys,
// supervisor sessions, and rows all line up. A create failure is non-fatal:
// the recorder is still returned and subsequent appends are attempted.
func Open(ctx context.Context, store Store, conversationID, agentConfigID string, origin domain.OriginChannel, metadata map[string]any) *Recorder {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["origin"] = string(origin)
	err := store.CreateConversation(ctx, &domain.Conversation{
		ID:            conversationID,
		AgentConfigID: agentConfigID,
		Origin:        origin,
		StartedAt:     time.Now(),
		Status:        domain.ConversationActive,
		Metadata:      metadata,
	})
	if err != nil {
		otelx.LogWithOTELContext(ctx, slog.LevelWarn, "conversation row create failed",
			"conversation_id", conversationID, "error", err)
	}
	return &Recorder{store: store, conversationID: conversationID}
}

// ConversationID returns the id the recorder writes under.
func (r *Recorder) ConversationID() string { return r.conversationID }

// OnTurn appends one Message row for a finished turn.
func (r *Recorder) OnTurn(ctx context.Context, role domain.MessageRole, text string) {
	err := r.store.AppendMessage(ctx, &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: r.conversationID,
		Role:           role,
		Content:        text,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		otelx.LogWithOTELContext(ctx, slog.LevelWarn, "message row append failed",
			"conversation_id", r.conversationID, "role", string(role), "error", err)
	}
}

// Close marks the conversation completed, merging extraMetadata into the
// stored metadata map.
func (r *Recorder) Close(ctx context.Context, extraMetadata map[string]any) {
	err := r.store.CloseConversation(ctx, r.conversationID, time.Now(), extraMetadata)
	if err != nil {
		otelx.LogWithOTELContext(ctx, slog.LevelWarn, "conversation row close failed",
			"conversation_id", r.conversationID, "error", err)
	}
}

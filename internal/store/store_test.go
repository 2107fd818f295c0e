package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/voxnexus/core/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestUpdateExtensionStatus(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE sip_devices").
		WithArgs("ext-1", domain.ExtensionRegistered, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateExtensionStatus(context.Background(), "ext-1", domain.ExtensionRegistered, ""); err != nil {
		t.Fatalf("UpdateExtensionStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendMessage(t *testing.T) {
	s, mock := newMockStore(t)
	msg := &domain.Message{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "hi", CreatedAt: time.Now()}
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSearchKnowledgeUsesCosineDistance(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "agent_config_id", "filename", "chunk_index", "content", "embedding", "similarity"}).
		AddRow("k1", "agent-1", "doc.txt", 0, "chunk text", "[0.1,0.2,0.3]", 0.92)

	mock.ExpectQuery("embedding <=> \\$2").
		WithArgs("agent-1", formatPGVector([]float32{0.1, 0.2, 0.3}), 5).
		WillReturnRows(rows)

	chunks, sims, err := s.SearchKnowledge(context.Background(), "agent-1", []float32{0.1, 0.2, 0.3}, 5)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(chunks) != 1 || len(sims) != 1 {
		t.Fatalf("expected 1 result, got chunks=%d sims=%d", len(chunks), len(sims))
	}
	if sims[0] != 0.92 {
		t.Fatalf("expected similarity 0.92, got %v", sims[0])
	}
	if len(chunks[0].Embedding) != 3 {
		t.Fatalf("expected parsed embedding of length 3, got %v", chunks[0].Embedding)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCloseCallLogIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec("UPDATE sip_call_logs").
		WithArgs("call-1", "completed", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sip_call_logs").
		WithArgs("call-1", "completed", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.CloseCallLog(context.Background(), "call-1", now, "completed"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.CloseCallLog(context.Background(), "call-1", now, "completed"); err != nil {
		t.Fatalf("second (idempotent) close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFormatAndParsePGVectorRoundTrip(t *testing.T) {
	in := []float32{0.5, -0.25, 1.0}
	lit := formatPGVector(in)
	out := parsePGVector(lit)
	if len(out) != len(in) {
		t.Fatalf("round trip length mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("round trip mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestParsePGVectorMalformedReturnsNil(t *testing.T) {
	if got := parsePGVector("[0.1,nope,0.3]"); got != nil {
		t.Fatalf("expected nil for malformed vector, got %v", got)
	}
}

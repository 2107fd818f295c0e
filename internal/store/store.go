// Package store is the database/sql + lib/pq backed persistence layer for
// agent_configs, sip_devices, conversations, messages, sip_call_logs,
// knowledge_documents, webhook_endpoints, voice_profiles, agent_lessons,
// and guardian_configs.
//
// Writes are row-level and commit-per-statement; no multi-row transactions
// are assumed. A single *sql.DB pool is shared, capped at 10 open
// connections.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/voxnexus/core/internal/domain"
)

// Store is the Postgres-backed persistence layer. It is safe for concurrent
// use; the underlying *sql.DB already pools connections.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres at dsn and caps the pool at 10 connections.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// AgentConfig loads one agent_configs row by id.
func (s *Store) AgentConfig(ctx context.Context, id string) (*domain.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, stt_config, llm_config, tts_config, system_prompt, created_at, updated_at
		FROM agent_configs WHERE id = $1`, id)

	var cfg domain.AgentConfig
	var stt, llm, tts []byte
	if err := row.Scan(&cfg.ID, &cfg.Name, &stt, &llm, &tts, &cfg.SystemInstructions, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: agent config %s: %w", id, err)
	}
	if err := json.Unmarshal(stt, &cfg.STT); err != nil {
		return nil, fmt.Errorf("store: decode stt_config: %w", err)
	}
	if err := json.Unmarshal(llm, &cfg.LLM); err != nil {
		return nil, fmt.Errorf("store: decode llm_config: %w", err)
	}
	if err := json.Unmarshal(tts, &cfg.TTS); err != nil {
		return nil, fmt.Errorf("store: decode tts_config: %w", err)
	}

	webhooks, err := s.WebhooksForAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg.Webhooks = webhooks
	return &cfg, nil
}

// SipExtensions loads every sip_devices row (one per configured extension).
func (s *Store) SipExtensions(ctx context.Context) ([]domain.SipExtension, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_config_id, server, username, password, port, transport,
		       display_name, realm, outbound_proxy, greeting_text, status, last_error
		FROM sip_devices`)
	if err != nil {
		return nil, fmt.Errorf("store: sip extensions: %w", err)
	}
	defer rows.Close()

	var out []domain.SipExtension
	for rows.Next() {
		var e domain.SipExtension
		if err := rows.Scan(&e.ID, &e.AgentConfigID, &e.Registrar, &e.Username, &e.Password,
			&e.Port, &e.Transport, &e.DisplayName, &e.Realm, &e.OutboundProxy, &e.GreetingText,
			&e.Status, &e.LastError); err != nil {
			return nil, fmt.Errorf("store: scan sip extension: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateExtensionStatus is the sole writer of SipExtension.Status, called
// as registration callbacks fire.
func (s *Store) UpdateExtensionStatus(ctx context.Context, id string, status domain.ExtensionStatus, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sip_devices SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, status, lastErr)
	if err != nil {
		return fmt.Errorf("store: update extension status: %w", err)
	}
	return nil
}

// CreateConversation inserts a new active Conversation row.
func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	meta, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_config_id, session_id, status, started_at, metadata)
		VALUES ($1, $2, $1, $3, $4, $5)`,
		conv.ID, conv.AgentConfigID, domain.ConversationActive, conv.StartedAt, meta)
	if err != nil {
		return fmt.Errorf("store: create conversation: %w", err)
	}
	return nil
}

// CloseConversation marks a Conversation completed and merges extra
// metadata in a read-modify-write.
func (s *Store) CloseConversation(ctx context.Context, id string, endedAt time.Time, extraMetadata map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: close conversation begin: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
		return fmt.Errorf("store: read metadata: %w", err)
	}
	merged := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &merged)
	}
	for k, v := range extraMetadata {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("store: marshal merged metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET status = $2, ended_at = $3, metadata = $4 WHERE id = $1`,
		id, domain.ConversationCompleted, endedAt, out); err != nil {
		return fmt.Errorf("store: close conversation: %w", err)
	}
	return tx.Commit()
}

// AppendMessage inserts an append-only Message row.
func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// WebhooksForAgent returns the active, configured outbound webhooks for an
// agent.
func (s *Store) WebhooksForAgent(ctx context.Context, agentConfigID string) ([]domain.WebhookDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_config_id, name, url, method, headers, secret, timeout_ms, retry_count, is_active
		FROM webhook_endpoints WHERE agent_config_id = $1 AND is_active = true`, agentConfigID)
	if err != nil {
		return nil, fmt.Errorf("store: webhooks: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDefinition
	for rows.Next() {
		var w domain.WebhookDefinition
		var headersRaw []byte
		var timeoutMS int
		if err := rows.Scan(&w.ID, &w.AgentConfigID, &w.Name, &w.URL, &w.Method, &headersRaw,
			&w.Secret, &timeoutMS, &w.RetryCount, &w.IsActive); err != nil {
			return nil, fmt.Errorf("store: scan webhook: %w", err)
		}
		_ = json.Unmarshal(headersRaw, &w.Headers)
		w.Timeout = time.Duration(timeoutMS) * time.Millisecond
		out = append(out, w)
	}
	return out, rows.Err()
}

// ReadyKnowledgeChunks returns every status='ready' chunk for an agent, used
// to decide whether the retrieval tool is exposed at all.
func (s *Store) ReadyKnowledgeChunks(ctx context.Context, agentConfigID string) ([]domain.KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_config_id, filename, chunk_index, content, embedding, status
		FROM knowledge_documents WHERE agent_config_id = $1 AND status = 'ready'`, agentConfigID)
	if err != nil {
		return nil, fmt.Errorf("store: knowledge chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.KnowledgeChunk
	for rows.Next() {
		var c domain.KnowledgeChunk
		var embRaw string
		if err := rows.Scan(&c.ID, &c.AgentConfigID, &c.Filename, &c.ChunkIndex, &c.Content, &embRaw, &c.Status); err != nil {
			return nil, fmt.Errorf("store: scan knowledge chunk: %w", err)
		}
		c.Embedding = parsePGVector(embRaw)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchKnowledge runs the pgvector cosine-distance nearest-neighbor query
// (`<=>` operator) and returns the top-K rows regardless of threshold; the
// caller (toolsynth) applies the similarity cutoff.
func (s *Store) SearchKnowledge(ctx context.Context, agentConfigID string, queryEmbedding []float32, k int) ([]domain.KnowledgeChunk, []float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_config_id, filename, chunk_index, content, embedding,
		       1 - (embedding <=> $2) AS similarity
		FROM knowledge_documents
		WHERE agent_config_id = $1 AND status = 'ready'
		ORDER BY embedding <=> $2
		LIMIT $3`,
		agentConfigID, formatPGVector(queryEmbedding), k)
	if err != nil {
		return nil, nil, fmt.Errorf("store: search knowledge: %w", err)
	}
	defer rows.Close()

	var chunks []domain.KnowledgeChunk
	var sims []float64
	for rows.Next() {
		var c domain.KnowledgeChunk
		var embRaw string
		var sim float64
		if err := rows.Scan(&c.ID, &c.AgentConfigID, &c.Filename, &c.ChunkIndex, &c.Content, &embRaw, &sim); err != nil {
			return nil, nil, fmt.Errorf("store: scan search result: %w", err)
		}
		c.Embedding = parsePGVector(embRaw)
		chunks = append(chunks, c)
		sims = append(sims, sim)
	}
	return chunks, sims, rows.Err()
}

// ApprovedLessons returns up to limit APPROVED agent_lessons ordered by
// creation time descending.
func (s *Store) ApprovedLessons(ctx context.Context, agentConfigID string, limit int) ([]domain.AgentLesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_config_id, improved_instruction, status, created_at
		FROM agent_lessons
		WHERE agent_config_id = $1 AND status = 'APPROVED'
		ORDER BY created_at DESC
		LIMIT $2`, agentConfigID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: approved lessons: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentLesson
	for rows.Next() {
		var l domain.AgentLesson
		if err := rows.Scan(&l.ID, &l.AgentConfigID, &l.ImprovedInstruction, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan lesson: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GuardianConfig loads the per-agent keyword/threshold row.
func (s *Store) GuardianConfig(ctx context.Context, agentConfigID string) (*domain.GuardianConfig, error) {
	var cfg domain.GuardianConfig
	cfg.AgentConfigID = agentConfigID
	var critical, high, medium []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT critical_keywords, high_risk_keywords, medium_risk_keywords, auto_handoff_threshold, enabled
		FROM guardian_configs WHERE agent_config_id = $1`, agentConfigID)
	if err := row.Scan(&critical, &high, &medium, &cfg.AutoHandoffThreshold, &cfg.Enabled); err != nil {
		return nil, fmt.Errorf("store: guardian config: %w", err)
	}
	_ = json.Unmarshal(critical, &cfg.CriticalKeywords)
	_ = json.Unmarshal(high, &cfg.HighRiskKeywords)
	_ = json.Unmarshal(medium, &cfg.MediumRiskKeywords)
	return &cfg, nil
}

// OpenCallLog inserts a sip_call_logs row at incoming_call.
func (s *Store) OpenCallLog(ctx context.Context, log *domain.SipCallLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sip_call_logs (id, sip_device_id, call_id, direction, remote_uri, remote_name, livekit_room, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.SipDeviceID, log.CallID, log.Direction, log.RemoteURI, log.RemoteName,
		log.LiveKitRoom, log.Status, log.StartedAt)
	if err != nil {
		return fmt.Errorf("store: open call log: %w", err)
	}
	return nil
}

// CloseCallLog is idempotent: it is safe to call more than once for the
// same call id, since both the call-ended and disconnect paths may fire
// session_ended.
func (s *Store) CloseCallLog(ctx context.Context, callID string, endedAt time.Time, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sip_call_logs
		SET status = $2, ended_at = $3, duration_secs = GREATEST(0, EXTRACT(EPOCH FROM ($3 - started_at))::int)
		WHERE call_id = $1 AND ended_at IS NULL`, callID, status, endedAt)
	if err != nil {
		return fmt.Errorf("store: close call log: %w", err)
	}
	return nil
}

// SipExtension loads a single sip_devices row by id.
func (s *Store) SipExtension(ctx context.Context, id string) (*domain.SipExtension, error) {
	var e domain.SipExtension
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_config_id, server, username, password, port, transport,
		       display_name, realm, outbound_proxy, greeting_text, status, last_error
		FROM sip_devices WHERE id = $1`, id)
	if err := row.Scan(&e.ID, &e.AgentConfigID, &e.Registrar, &e.Username, &e.Password,
		&e.Port, &e.Transport, &e.DisplayName, &e.Realm, &e.OutboundProxy, &e.GreetingText,
		&e.Status, &e.LastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: sip extension %s: %w", id, err)
	}
	return &e, nil
}

// ActiveCallLogs lists every sip_call_logs row that has not yet ended, for
// the admin surface's GET /calls.
func (s *Store) ActiveCallLogs(ctx context.Context) ([]domain.SipCallLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sip_device_id, call_id, direction, remote_uri, remote_name, livekit_room, status, started_at
		FROM sip_call_logs WHERE ended_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: active call logs: %w", err)
	}
	defer rows.Close()

	var out []domain.SipCallLog
	for rows.Next() {
		var l domain.SipCallLog
		if err := rows.Scan(&l.ID, &l.SipDeviceID, &l.CallID, &l.Direction, &l.RemoteURI,
			&l.RemoteName, &l.LiveKitRoom, &l.Status, &l.StartedAt); err != nil {
			return nil, fmt.Errorf("store: scan call log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// formatPGVector renders a []float32 in pgvector's literal text form,
// "[v1,v2,...]", for use as a query parameter against a vector column.
func formatPGVector(v []float32) string {
	b := make([]byte, 0, len(v)*8+2)
	b = append(b, '[')
	for i, f := range v {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, []byte(fmt.Sprintf("%g", f))...)
	}
	b = append(b, ']')
	return string(b)
}

// parsePGVector parses pgvector's "[v1,v2,...]" text form back into a
// []float32. Malformed input yields a nil slice rather than an error: a
// corrupt embedding should not fail the whole row.
func parsePGVector(raw string) []float32 {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

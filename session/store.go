// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/clock"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/codec"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/sqlitepool"
)

// offsetKey is the bridge_state key holding the upstream update
// cursor. Topic-state keys are namespaced per thread and can never
// collide with it.
const offsetKey = "update_offset"

// summaryWindow is how many trailing messages feed the continuation
// summary, and summaryClip is the per-message content truncation.
const (
	summaryWindow = 3
	summaryClip   = 80
)

// emptySummary is the placeholder returned for threads with no
// messages.
const emptySummary = "(no prior conversation)"

// schema creates the message log, the key-value area, and the
// attachment store. created_at is Unix milliseconds; the thread index
// serves both history reads and the per-thread eviction query.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    INTEGER NOT NULL,
	topic      TEXT    NOT NULL,
	role       TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	agent      TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(chat_id, topic, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_age ON messages(created_at);

CREATE TABLE IF NOT EXISTS bridge_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	file_id    TEXT PRIMARY KEY,
	record     BLOB NOT NULL,
	body       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// StoreConfig holds the parameters for opening a session store.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" works in tests.
	Path string

	// HistoryCap is the per-thread message cap. Appending beyond it
	// evicts the oldest surplus rows of that thread. Required.
	HistoryCap int

	// Retention is the age horizon; messages older than it (in any
	// thread) are deleted on every append. Required.
	Retention time.Duration

	// DefaultTopic is the thread key used when a caller names none.
	DefaultTopic string

	// DefaultAgent is the agent label reported for empty threads.
	DefaultAgent string

	// Clock provides timestamps and retention decisions. Required.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store is the durable conversation log. All access happens on the
// sequential dispatch path, so no locking beyond SQLite's own write
// atomicity is needed.
type Store struct {
	pool         *sqlitepool.Pool
	clock        clock.Clock
	logger       *slog.Logger
	historyCap   int
	retention    time.Duration
	defaultTopic string
	defaultAgent string

	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

// OpenStore opens (creating if necessary) the session database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("session: Clock is required")
	}
	if cfg.HistoryCap <= 0 {
		return nil, fmt.Errorf("session: HistoryCap must be positive")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("session: Retention must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	// Text attachments compress well with zstd; the encoder and
	// decoder are reused across calls.
	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: zstd encoder: %w", err)
	}
	decompressor, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: zstd decoder: %w", err)
	}

	return &Store{
		pool:         pool,
		clock:        cfg.Clock,
		logger:       logger,
		historyCap:   cfg.HistoryCap,
		retention:    cfg.Retention,
		defaultTopic: cfg.DefaultTopic,
		defaultAgent: cfg.DefaultAgent,
		compressor:   compressor,
		decompressor: decompressor,
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// DefaultTopic returns the configured default thread key.
func (s *Store) DefaultTopic() string { return s.defaultTopic }

// DefaultAgent returns the configured default agent label.
func (s *Store) DefaultAgent() string { return s.defaultAgent }

// HistoryCap returns the configured per-thread message cap.
func (s *Store) HistoryCap() int { return s.historyCap }

// resolveTopic substitutes the default topic for an empty one.
func (s *Store) resolveTopic(topic string) string {
	if topic == "" {
		return s.defaultTopic
	}
	return topic
}

// Append assigns the next id and the current timestamp to the message,
// persists it, and runs the retention sweep: first the owning thread
// is trimmed to the history cap (oldest rows first), then messages
// older than the retention horizon are deleted across all threads.
// Returns the stored message with ID and CreatedAt filled in.
func (s *Store) Append(ctx context.Context, message Message) (Message, error) {
	if !message.Role.valid() {
		return Message{}, fmt.Errorf("session: invalid role %q", message.Role)
	}
	message.Topic = s.resolveTopic(message.Topic)
	if message.Agent == "" {
		message.Agent = s.defaultAgent
	}
	message.CreatedAt = s.clock.Now().UnixMilli()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("session: append: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Message{}, fmt.Errorf("session: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (chat_id, topic, role, content, agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			message.ChatID, message.Topic, string(message.Role),
			message.Content, message.Agent, message.CreatedAt,
		}})
	if err != nil {
		return Message{}, fmt.Errorf("session: insert message: %w", err)
	}
	message.ID = conn.LastInsertRowID()

	if err = s.sweepThread(conn, message.ChatID, message.Topic); err != nil {
		return Message{}, err
	}
	if err = s.sweepHorizon(conn); err != nil {
		return Message{}, err
	}

	return message, nil
}

// sweepThread deletes the oldest surplus rows of one thread so that at
// most historyCap remain.
func (s *Store) sweepThread(conn *sqlite.Conn, chatID int64, topic string) error {
	err := sqlitex.Execute(conn,
		`DELETE FROM messages WHERE chat_id = ? AND topic = ? AND id NOT IN (
			SELECT id FROM messages WHERE chat_id = ? AND topic = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		&sqlitex.ExecOptions{Args: []any{chatID, topic, chatID, topic, s.historyCap}})
	if err != nil {
		return fmt.Errorf("session: thread sweep: %w", err)
	}
	evicted := conn.Changes()
	if evicted > 0 {
		s.logger.Debug("thread trimmed to cap",
			"chat_id", chatID, "topic", topic, "evicted", evicted)
	}
	return nil
}

// sweepHorizon deletes messages older than the retention horizon,
// regardless of thread.
func (s *Store) sweepHorizon(conn *sqlite.Conn) error {
	horizon := s.clock.Now().Add(-s.retention).UnixMilli()
	err := sqlitex.Execute(conn,
		"DELETE FROM messages WHERE created_at < ?",
		&sqlitex.ExecOptions{Args: []any{horizon}})
	if err != nil {
		return fmt.Errorf("session: horizon sweep: %w", err)
	}
	if expired := conn.Changes(); expired > 0 {
		s.logger.Info("retention sweep removed expired messages", "count", expired)
	}
	return nil
}

// History returns up to limit most recent messages for the thread in
// ascending (CreatedAt, ID) order. A zero or negative limit uses the
// history cap; the result never exceeds the cap. An empty topic uses
// the default topic.
func (s *Store) History(ctx context.Context, chatID int64, topic string, limit int) ([]Message, error) {
	topic = s.resolveTopic(topic)
	limit = s.clampLimit(limit)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: history: %w", err)
	}
	defer s.pool.Put(conn)

	// Fetch newest-first to apply the limit, then reverse into
	// chronological order.
	messages, err := s.queryMessages(conn,
		`SELECT id, chat_id, topic, role, content, agent, created_at
		 FROM messages WHERE chat_id = ? AND topic = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		[]any{chatID, topic, limit})
	if err != nil {
		return nil, fmt.Errorf("session: history: %w", err)
	}

	reverse(messages)
	return messages, nil
}

// Search returns up to limit messages for the chat (any topic) whose
// content contains keyword as a substring, most recent first.
func (s *Store) Search(ctx context.Context, chatID int64, keyword string, limit int) ([]Message, error) {
	limit = s.clampLimit(limit)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: search: %w", err)
	}
	defer s.pool.Put(conn)

	messages, err := s.queryMessages(conn,
		`SELECT id, chat_id, topic, role, content, agent, created_at
		 FROM messages WHERE chat_id = ? AND instr(content, ?) > 0
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		[]any{chatID, keyword, limit})
	if err != nil {
		return nil, fmt.Errorf("session: search: %w", err)
	}
	return messages, nil
}

// ListThreads returns one summary per distinct (chatId, topic) pair,
// most recently active first. A zero chatID lists all chats (Telegram
// chat identifiers are never zero).
func (s *Store) ListThreads(ctx context.Context, chatID int64) ([]ThreadSummary, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: list threads: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT chat_id, topic, COUNT(*), MAX(created_at)
		FROM messages`
	var args []any
	if chatID != 0 {
		query += " WHERE chat_id = ?"
		args = append(args, chatID)
	}
	query += " GROUP BY chat_id, topic ORDER BY MAX(created_at) DESC"

	var threads []ThreadSummary
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			threads = append(threads, ThreadSummary{
				ChatID:        stmt.ColumnInt64(0),
				Topic:         stmt.ColumnText(1),
				MessageCount:  stmt.ColumnInt64(2),
				LastMessageAt: stmt.ColumnInt64(3),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: list threads: %w", err)
	}
	return threads, nil
}

// ContinueContext returns the last limit messages of the thread in
// chronological order, the agent label of the most recent message (or
// the default for an empty thread), and a compact summary built from
// the trailing window of messages.
func (s *Store) ContinueContext(ctx context.Context, chatID int64, topic string, limit int) (Continuation, error) {
	messages, err := s.History(ctx, chatID, topic, limit)
	if err != nil {
		return Continuation{}, err
	}

	continuation := Continuation{
		Messages: messages,
		Agent:    s.defaultAgent,
		Summary:  emptySummary,
	}
	if len(messages) == 0 {
		return continuation, nil
	}

	continuation.Agent = messages[len(messages)-1].Agent
	continuation.Summary = summarize(messages)
	return continuation, nil
}

// summarize concatenates role and truncated content for the trailing
// window of messages.
func summarize(messages []Message) string {
	start := len(messages) - summaryWindow
	if start < 0 {
		start = 0
	}

	summary := ""
	for _, message := range messages[start:] {
		content := message.Content
		if len(content) > summaryClip {
			content = content[:summaryClip] + "…"
		}
		if summary != "" {
			summary += " | "
		}
		summary += string(message.Role) + ": " + content
	}
	return summary
}

// CurrentProfile returns the (topic, agent) pair taken from the most
// recent message of the thread, or the configured defaults if the
// thread is empty.
func (s *Store) CurrentProfile(ctx context.Context, chatID int64, topic string) (Profile, error) {
	topic = s.resolveTopic(topic)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("session: current profile: %w", err)
	}
	defer s.pool.Put(conn)

	profile := Profile{Topic: topic, Agent: s.defaultAgent}
	err = sqlitex.Execute(conn,
		`SELECT agent FROM messages WHERE chat_id = ? AND topic = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{chatID, topic},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				profile.Agent = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return Profile{}, fmt.Errorf("session: current profile: %w", err)
	}
	return profile, nil
}

// Offset reads the durable upstream update cursor. Returns 0 when no
// offset has been stored yet.
func (s *Store) Offset(ctx context.Context) (int64, error) {
	value, ok, err := s.stateValue(ctx, offsetKey)
	if err != nil || !ok {
		return 0, err
	}
	offset, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("session: corrupt offset value %q: %w", value, err)
	}
	return offset, nil
}

// SetOffset writes the durable upstream update cursor. Last write
// wins; the value survives reopening the store at the same path.
func (s *Store) SetOffset(ctx context.Context, offset int64) error {
	return s.setStateValue(ctx, offsetKey, strconv.FormatInt(offset, 10))
}

// TopicState reads a per-thread key-value slot. The boolean result
// distinguishes a missing slot from an empty stored value.
func (s *Store) TopicState(ctx context.Context, chatID int64, topic, key string) (string, bool, error) {
	topic = s.resolveTopic(topic)
	return s.stateValue(ctx, topicStateKey(chatID, topic, key))
}

// SetTopicState writes a per-thread key-value slot. Last write wins.
func (s *Store) SetTopicState(ctx context.Context, chatID int64, topic, key, value string) error {
	topic = s.resolveTopic(topic)
	return s.setStateValue(ctx, topicStateKey(chatID, topic, key), value)
}

// topicStateKey namespaces a per-thread slot inside bridge_state. The
// leading key segment keeps slots of different kinds (attachment
// pointer, model selection) apart, and the structure can never
// collide with the bare offset key.
func topicStateKey(chatID int64, topic, key string) string {
	return fmt.Sprintf("%s:%d:%s", key, chatID, topic)
}

func (s *Store) stateValue(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("session: read state: %w", err)
	}
	defer s.pool.Put(conn)

	var value string
	found := false
	err = sqlitex.Execute(conn,
		"SELECT value FROM bridge_state WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("session: read state %q: %w", key, err)
	}
	return value, found, nil
}

func (s *Store) setStateValue(ctx context.Context, key, value string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: write state: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO bridge_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{key, value, s.clock.Now().UnixMilli()}})
	if err != nil {
		return fmt.Errorf("session: write state %q: %w", key, err)
	}
	return nil
}

// PutAttachment persists an ingested document keyed by its upstream
// file id. The record (arbitrary metadata struct) is stored as
// deterministic CBOR; the body text is stored zstd-compressed.
// Writing the same file id again overwrites both.
func (s *Store) PutAttachment(ctx context.Context, fileID string, record any, body string) error {
	recordBlob, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("session: marshal attachment record: %w", err)
	}
	bodyBlob := s.compressor.EncodeAll([]byte(body), nil)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: put attachment: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO attachments (file_id, record, body, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET record = excluded.record,
			body = excluded.body, created_at = excluded.created_at`,
		&sqlitex.ExecOptions{Args: []any{
			fileID, recordBlob, bodyBlob, s.clock.Now().UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("session: put attachment %q: %w", fileID, err)
	}
	return nil
}

// GetAttachment loads an ingested document by file id, decoding the
// stored metadata into record (a pointer) and returning the
// decompressed body text. The boolean result is false when the file
// id is unknown.
func (s *Store) GetAttachment(ctx context.Context, fileID string, record any) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("session: get attachment: %w", err)
	}
	defer s.pool.Put(conn)

	var recordBlob, bodyBlob []byte
	found := false
	err = sqlitex.Execute(conn,
		"SELECT record, body FROM attachments WHERE file_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{fileID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				recordBlob = columnBlob(stmt, 0)
				bodyBlob = columnBlob(stmt, 1)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("session: get attachment %q: %w", fileID, err)
	}
	if !found {
		return "", false, nil
	}

	if err := codec.Unmarshal(recordBlob, record); err != nil {
		return "", false, fmt.Errorf("session: unmarshal attachment record: %w", err)
	}
	body, err := s.decompressor.DecodeAll(bodyBlob, nil)
	if err != nil {
		return "", false, fmt.Errorf("session: decompress attachment body: %w", err)
	}
	return string(body), true, nil
}

// clampLimit applies the default and the cap to a caller limit.
func (s *Store) clampLimit(limit int) int {
	if limit <= 0 || limit > s.historyCap {
		return s.historyCap
	}
	return limit
}

// queryMessages runs a SELECT over the messages table columns in
// their canonical order and scans the rows.
func (s *Store) queryMessages(conn *sqlite.Conn, query string, args []any) ([]Message, error) {
	var messages []Message
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			messages = append(messages, Message{
				ID:        stmt.ColumnInt64(0),
				ChatID:    stmt.ColumnInt64(1),
				Topic:     stmt.ColumnText(2),
				Role:      Role(stmt.ColumnText(3)),
				Content:   stmt.ColumnText(4),
				Agent:     stmt.ColumnText(5),
				CreatedAt: stmt.ColumnInt64(6),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// columnBlob copies a BLOB column out of the statement.
func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}

// reverse flips a message slice in place.
func reverse(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

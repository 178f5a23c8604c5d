package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"
	"threadrecall/internal/storage"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Store is the Postgres + pgvector implementation of storage.Store.
type Store struct {
	db         *sql.DB
	dimensions int
}

var _ storage.Store = (*Store)(nil)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string, dimensions int) (*Store, error) {
	finalURL := adjustDatabaseURLForEnvironment(databaseURL)

	db, err := sql.Open("postgres", finalURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, dimensions), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, dimensions int) *Store {
	return &Store{db: db, dimensions: dimensions}
}

func adjustDatabaseURLForEnvironment(databaseURL string) string {
	// Railway PostgreSQL doesn't support SSL
	if os.Getenv("RAILWAY_ENVIRONMENT") != "" || strings.Contains(databaseURL, "railway.app") {
		parsedURL, err := url.Parse(databaseURL)
		if err != nil {
			return databaseURL
		}

		values := parsedURL.Query()
		values.Set("sslmode", "disable")
		parsedURL.RawQuery = values.Encode()
		return parsedURL.String()
	}

	return databaseURL
}

// InitSchema creates the extension, tables and indexes. It is idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	slog.Info("Initializing database schema...", "dimensions", s.dimensions)

	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector;",
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(id),
			reply_to TEXT,
			channel_id TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_hashes (
			conversation_id TEXT PRIMARY KEY,
			hash TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS doc_hashes (
			doc_id TEXT PRIMARY KEY,
			hash TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS docs (
			id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			body TEXT NOT NULL
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_embeddings (
			conversation_id TEXT PRIMARY KEY,
			embedding VECTOR(%d) NOT NULL
		);`, s.dimensions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS doc_embeddings (
			doc_id TEXT PRIMARY KEY,
			embedding VECTOR(%d) NOT NULL
		);`, s.dimensions),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_reply_to ON messages(reply_to);",
		"CREATE INDEX IF NOT EXISTS idx_messages_channel_timestamp ON messages(channel_id, timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_conversation_embeddings_hnsw ON conversation_embeddings USING hnsw (embedding vector_cosine_ops);",
		"CREATE INDEX IF NOT EXISTS idx_doc_embeddings_hnsw ON doc_embeddings USING hnsw (embedding vector_cosine_ops);",
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
			// hnsw needs pgvector >= 0.5; exact scans still work without it
			slog.Warn("Failed to create index", "error", err, "sql", indexSQL)
		}
	}

	slog.Info("Database schema initialized successfully")
	return nil
}

func (s *Store) Messages() storage.MessageStore { return &messageStore{db: s.db} }

func (s *Store) ConversationIndex() storage.VectorIndex {
	return &vectorIndex{db: s.db, table: "conversation_embeddings", keyColumn: "conversation_id"}
}

func (s *Store) DocIndex() storage.VectorIndex {
	return &vectorIndex{db: s.db, table: "doc_embeddings", keyColumn: "doc_id"}
}

func (s *Store) ConversationHashes() storage.HashStore {
	return &hashStore{db: s.db, table: "conversation_hashes", keyColumn: "conversation_id"}
}

func (s *Store) DocHashes() storage.HashStore {
	return &hashStore{db: s.db, table: "doc_hashes", keyColumn: "doc_id"}
}

func (s *Store) Docs() storage.DocStore { return &docStore{db: s.db} }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// observe starts timing a database operation; call the returned func when it
// completes to record outcome and latency.
func observe(operation string, err *error) func() {
	start := time.Now()
	return func() {
		status := "success"
		if *err != nil {
			status = "error"
		}
		metrics.DatabaseOperations.WithLabelValues(operation, status).Inc()
		metrics.DatabaseOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// ==================== Messages ====================

type messageStore struct {
	db *sql.DB
}

func (s *messageStore) UpsertUser(ctx context.Context, author conversation.Author) (err error) {
	defer observe("upsert_user", &err)()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
	`, author.ID, author.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

func (s *messageStore) UpsertMessage(ctx context.Context, msg conversation.Message) (err error) {
	defer observe("upsert_message", &err)()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, content, timestamp, user_id, reply_to, channel_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			timestamp = EXCLUDED.timestamp,
			user_id = EXCLUDED.user_id,
			reply_to = EXCLUDED.reply_to,
			channel_id = EXCLUDED.channel_id
	`, msg.ID, msg.Content, msg.Timestamp.UTC(), msg.Author.ID, nullString(msg.ReplyTo), msg.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

func (s *messageStore) MessageExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return exists, nil
}

func (s *messageStore) GetMessagesInThread(ctx context.Context, rootID string) (_ []conversation.Message, err error) {
	defer observe("get_thread", &err)()

	// UNION (not UNION ALL) terminates on reply cycles.
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE thread(id) AS (
			SELECT id FROM messages WHERE id = $1
			UNION
			SELECT m.id
			FROM messages m
			JOIN thread t ON m.reply_to = t.id
		)
		SELECT m.id, m.content, m.timestamp, m.user_id, COALESCE(u.display_name, ''),
			   COALESCE(m.reply_to, ''), m.channel_id
		FROM messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.id IN (SELECT id FROM thread)
		ORDER BY m.timestamp ASC, m.id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages in thread: %w", err)
	}
	defer rows.Close()

	messages := []conversation.Message{}
	for rows.Next() {
		var msg conversation.Message
		if err := rows.Scan(
			&msg.ID, &msg.Content, &msg.Timestamp, &msg.Author.ID, &msg.Author.DisplayName,
			&msg.ReplyTo, &msg.ChannelID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read thread rows: %w", err)
	}

	return messages, nil
}

func (s *messageStore) GetAllMessageNodes(ctx context.Context, channelID string) (_ []conversation.MessageNode, err error) {
	defer observe("get_nodes", &err)()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(reply_to, ''), timestamp
		FROM messages
		WHERE $1 = '' OR channel_id = $1
		ORDER BY timestamp ASC, id ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message nodes: %w", err)
	}
	defer rows.Close()

	var nodes []conversation.MessageNode
	for rows.Next() {
		var n conversation.MessageNode
		if err := rows.Scan(&n.ID, &n.ReplyTo, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message nodes: %w", err)
	}

	return nodes, nil
}

// ==================== Vectors ====================

// vectorIndex stores one row per key in a pgvector table. Table and column
// names are fixed by Store, never user input.
type vectorIndex struct {
	db        *sql.DB
	table     string
	keyColumn string
}

func (v *vectorIndex) Upsert(ctx context.Context, key string, vector []float32) (err error) {
	defer observe("upsert_"+v.table, &err)()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, embedding) VALUES ($1, $2)
		ON CONFLICT (%[2]s) DO UPDATE SET embedding = EXCLUDED.embedding
	`, v.table, v.keyColumn)

	if _, err = v.db.ExecContext(ctx, query, key, pgvector.NewVector(vector)); err != nil {
		return fmt.Errorf("failed to store embedding in %s: %w", v.table, err)
	}
	return nil
}

func (v *vectorIndex) Delete(ctx context.Context, key string) (err error) {
	defer observe("delete_"+v.table, &err)()

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, v.table, v.keyColumn)
	if _, err = v.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete embedding from %s: %w", v.table, err)
	}
	return nil
}

func (v *vectorIndex) KNN(ctx context.Context, query []float32, k int) (_ []storage.Neighbor, err error) {
	defer observe("knn_"+v.table, &err)()

	sqlQuery := fmt.Sprintf(`
		SELECT %[2]s, embedding <=> $1 AS distance
		FROM %[1]s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, v.table, v.keyColumn)

	rows, err := v.db.QueryContext(ctx, sqlQuery, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", v.table, err)
	}
	defer rows.Close()

	neighbors := []storage.Neighbor{}
	for rows.Next() {
		var n storage.Neighbor
		if err := rows.Scan(&n.Key, &n.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan neighbor: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read neighbors: %w", err)
	}

	return neighbors, nil
}

// ==================== Hashes ====================

type hashStore struct {
	db        *sql.DB
	table     string
	keyColumn string
}

func (h *hashStore) Get(ctx context.Context, key string) (string, bool, error) {
	var hash string
	query := fmt.Sprintf(`SELECT hash FROM %s WHERE %s = $1`, h.table, h.keyColumn)
	err := h.db.QueryRowContext(ctx, query, key).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get hash from %s: %w", h.table, err)
	}
	return hash, true, nil
}

func (h *hashStore) Upsert(ctx context.Context, key, hash string) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, hash) VALUES ($1, $2)
		ON CONFLICT (%[2]s) DO UPDATE SET hash = EXCLUDED.hash
	`, h.table, h.keyColumn)
	if _, err := h.db.ExecContext(ctx, query, key, hash); err != nil {
		return fmt.Errorf("failed to store hash in %s: %w", h.table, err)
	}
	return nil
}

// ==================== Docs ====================

type docStore struct {
	db *sql.DB
}

func (d *docStore) UpsertDoc(ctx context.Context, doc conversation.Doc) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO docs (id, file_name, body) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET file_name = EXCLUDED.file_name, body = EXCLUDED.body
	`, doc.ID, doc.FileName, doc.Body)
	if err != nil {
		return fmt.Errorf("failed to store doc: %w", err)
	}
	return nil
}

func (d *docStore) GetDocs(ctx context.Context, ids []string) ([]conversation.Doc, error) {
	if len(ids) == 0 {
		return []conversation.Doc{}, nil
	}

	rows, err := d.db.QueryContext(ctx, `SELECT id, file_name, body FROM docs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get docs: %w", err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

func (d *docStore) ListDocs(ctx context.Context) ([]conversation.Doc, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, file_name, body FROM docs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list docs: %w", err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

func scanDocs(rows *sql.Rows) ([]conversation.Doc, error) {
	docs := []conversation.Doc{}
	for rows.Next() {
		var doc conversation.Doc
		if err := rows.Scan(&doc.ID, &doc.FileName, &doc.Body); err != nil {
			return nil, fmt.Errorf("failed to scan doc: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read docs: %w", err)
	}
	return docs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

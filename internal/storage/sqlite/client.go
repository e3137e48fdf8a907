package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/storage/models"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

// Client is the local catalog of ingested documents and answered queries.
type Client struct {
	db  *sql.DB
	log *zap.Logger
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps PRAGMAs and :memory: databases consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	log := logger.Named("catalog")
	log.Info("SQLite catalog initialized", zap.String("path", dbPath))

	return &Client{db: db, log: log}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT NOT NULL,
		kb_id TEXT NOT NULL,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		type TEXT,
		size INTEGER,
		content_hash TEXT,
		chunk_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kb_id, source)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(kb_id);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		kb_id TEXT,
		session_id TEXT,
		user_id TEXT,
		pipeline TEXT,
		query_text TEXT NOT NULL,
		response TEXT,
		confidence REAL,
		source_type TEXT,
		documents_count INTEGER,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		source TEXT,
		title TEXT,
		chunk_id TEXT,
		similarity REAL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		rating INTEGER NOT NULL,
		helpful INTEGER NOT NULL,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	c.log.Info("Catalog schema initialized")
	return nil
}

func (c *Client) UpsertDocument(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, kb_id, source, title, type, size, content_hash, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kb_id, source) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			size = excluded.size,
			content_hash = excluded.content_hash,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, query,
		doc.ID,
		doc.KBID,
		doc.Source,
		doc.Title,
		doc.Type,
		doc.Size,
		doc.ContentHash,
		doc.ChunkCount,
		doc.CreatedAt.Unix(),
		doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	c.log.Debug("Document recorded", zap.String("doc_id", doc.ID), zap.String("source", doc.Source))
	return nil
}

const documentColumns = `id, kb_id, source, title, type, size, content_hash, chunk_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*models.Document, error) {
	var (
		doc                  models.Document
		createdAt, updatedAt int64
	)
	if err := row.Scan(&doc.ID, &doc.KBID, &doc.Source, &doc.Title, &doc.Type, &doc.Size,
		&doc.ContentHash, &doc.ChunkCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	return &doc, nil
}

func (c *Client) GetDocumentBySource(ctx context.Context, kbID, source string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE kb_id = ? AND source = ?`, kbID, source)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (c *Client) ListDocuments(ctx context.Context, kbID string) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE kb_id = ? ORDER BY source`, kbID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (c *Client) DeleteDocumentsByKB(ctx context.Context, kbID string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE kb_id = ?`, kbID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) InsertQuery(ctx context.Context, record *models.QueryRecord) error {
	query := `
		INSERT INTO query_history (id, kb_id, session_id, user_id, pipeline, query_text, response,
			confidence, source_type, documents_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, query,
		record.ID,
		record.KBID,
		record.SessionID,
		record.UserID,
		record.Pipeline,
		record.QueryText,
		record.Response,
		record.Confidence,
		record.SourceType,
		record.DocumentsCount,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	c.log.Info("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("pipeline", record.Pipeline),
		zap.Float64("confidence", record.Confidence),
	)
	return nil
}

func (c *Client) InsertQuerySource(ctx context.Context, source *models.QuerySource) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO query_sources (query_id, source, title, chunk_id, similarity) VALUES (?, ?, ?, ?, ?)`,
		source.QueryID,
		source.Source,
		source.Title,
		source.ChunkID,
		source.Similarity,
	)
	if err != nil {
		return fmt.Errorf("failed to insert query source: %w", err)
	}
	return nil
}

// GetQueryHistory returns the newest queries first; an empty userID lists all users.
func (c *Client) GetQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, kb_id, session_id, user_id, pipeline, query_text, response, confidence,
			source_type, documents_count, latency_ms, created_at
		FROM query_history
		WHERE (? = '' OR user_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var (
			r         models.QueryRecord
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.KBID, &r.SessionID, &r.UserID, &r.Pipeline, &r.QueryText, &r.Response,
			&r.Confidence, &r.SourceType, &r.DocumentsCount, &r.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (c *Client) GetQuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, query_id, source, title, chunk_id, similarity FROM query_sources WHERE query_id = ? ORDER BY id`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query sources: %w", err)
	}
	defer rows.Close()

	var sources []models.QuerySource
	for rows.Next() {
		var s models.QuerySource
		if err := rows.Scan(&s.ID, &s.QueryID, &s.Source, &s.Title, &s.ChunkID, &s.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (c *Client) InsertFeedback(ctx context.Context, feedback *models.Feedback) error {
	helpful := 0
	if feedback.Helpful {
		helpful = 1
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO feedback (query_id, rating, helpful, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
		feedback.QueryID,
		feedback.Rating,
		helpful,
		feedback.Comment,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	c.log.Info("Feedback stored",
		zap.String("query_id", feedback.QueryID),
		zap.Int("rating", feedback.Rating),
	)
	return nil
}

package models

import "time"

// Document is the catalog entry of one ingested file.
type Document struct {
	ID          string    `json:"id"`
	KBID        string    `json:"kb_id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type QueryRecord struct {
	ID             string    `json:"id"`
	KBID           string    `json:"kb_id"`
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Pipeline       string    `json:"pipeline"`
	QueryText      string    `json:"query_text"`
	Response       string    `json:"response"`
	Confidence     float64   `json:"confidence"`
	SourceType     string    `json:"source_type"`
	DocumentsCount int       `json:"documents_count"`
	LatencyMS      int       `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type QuerySource struct {
	ID         int     `json:"id"`
	QueryID    string  `json:"query_id"`
	Source     string  `json:"source"`
	Title      string  `json:"title"`
	ChunkID    string  `json:"chunk_id"`
	Similarity float64 `json:"similarity"`
}

type Feedback struct {
	ID        int       `json:"id"`
	QueryID   string    `json:"query_id"`
	Rating    int       `json:"rating"`
	Helpful   bool      `json:"helpful"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

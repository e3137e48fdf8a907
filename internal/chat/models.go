package chat

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultUserID = "anonymous"
	DefaultTitle  = "新对话"
)

type Session struct {
	SessionID         string    `gorm:"column:session_id;primaryKey" json:"session_id"`
	UserID            string    `gorm:"column:user_id" json:"user_id"`
	KnowledgeBasePath string    `gorm:"column:knowledge_base_path" json:"knowledge_base_path"`
	Title             string    `gorm:"column:title" json:"title"`
	IsActive          bool      `gorm:"column:is_active" json:"is_active"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"column:session_id" json:"session_id"`
	Role      string    `gorm:"column:role" json:"role"`
	Content   string    `gorm:"column:content" json:"content"`
	Tokens    int       `gorm:"column:tokens" json:"tokens"`
	Metadata  Metadata  `gorm:"column:metadata;type:json" json:"metadata,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

type Usage struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SessionID         string    `gorm:"column:session_id" json:"session_id"`
	KnowledgeBasePath string    `gorm:"column:knowledge_base_path" json:"knowledge_base_path"`
	Question          string    `gorm:"column:question" json:"question"`
	SimilarDocsCount  int       `gorm:"column:similar_docs_count" json:"similar_docs_count"`
	AverageSimilarity float64   `gorm:"column:average_similarity" json:"average_similarity"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Usage) TableName() string { return "knowledge_base_usage" }

// SessionSummary is a session row plus the first question asked in it.
type SessionSummary struct {
	SessionID         string    `gorm:"column:session_id" json:"session_id"`
	UserID            string    `gorm:"column:user_id" json:"user_id"`
	KnowledgeBasePath string    `gorm:"column:knowledge_base_path" json:"knowledge_base_path"`
	Title             string    `gorm:"column:title" json:"title"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at" json:"updated_at"`
	FirstQuestion     *string   `gorm:"column:first_question" json:"first_question"`
}

// Metadata is stored as a JSON column.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to unmarshal message metadata: %w", err)
	}
	*m = out
	return nil
}

func validRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Fhyywen/shixun-qiu/pkg/config"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrInvalidRole     = errors.New("invalid message role")
)

const (
	defaultHistoryLimit  = 20
	defaultSessionsLimit = 50
)

// Store persists chat sessions, their messages and knowledge base usage.
type Store struct {
	db            *gorm.DB
	countTokens   func(string) int
	historyLimit  int
	sessionsLimit int
	now           func() time.Time
	log           *zap.Logger
}

type Option func(*Store)

func WithTokenCounter(fn func(string) int) Option {
	return func(s *Store) { s.countTokens = fn }
}

func WithLimits(history, sessions int) Option {
	return func(s *Store) {
		if history > 0 {
			s.historyLimit = history
		}
		if sessions > 0 {
			s.sessionsLimit = sessions
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Open connects to the configured database, applying migrations first when
// autoMigrate is set.
func Open(ctx context.Context, cfg config.ChatConfig, opts ...Option) (*Store, error) {
	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	if cfg.AutoMigrate {
		if err := Migrate(cfg.Driver, dsn); err != nil {
			return nil, err
		}
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverMySQL:
		dialector = gormmysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported chat driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect chat database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get chat database handle: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetimeMin > 0 {
			sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMin) * time.Minute)
		}
	}

	opts = append([]Option{WithLimits(cfg.HistoryLimit, cfg.SessionsLimit)}, opts...)
	s := NewStore(db, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	s.log.Info("Chat store connected", zap.String("driver", cfg.Driver))
	return s, nil
}

// sqliteDSN turns on foreign key enforcement, which sqlite leaves off per
// connection unless asked.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

// NewStore wraps an open gorm handle whose schema is already in place.
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:            db,
		historyLimit:  defaultHistoryLimit,
		sessionsLimit: defaultSessionsLimit,
		now:           time.Now,
		log:           logger.Named("chat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.countTokens == nil {
		s.countTokens = NewTokenCounter("cl100k_base", s.log).Count
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping chat database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateSession(ctx context.Context, userID, kbPath, title string) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		userID = DefaultUserID
	}
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	now := s.now()
	session := &Session{
		SessionID:         uuid.NewString(),
		UserID:            userID,
		KnowledgeBasePath: kbPath,
		Title:             title,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create chat session: %w", err)
	}

	s.log.Debug("Chat session created",
		zap.String("session_id", session.SessionID),
		zap.String("user_id", userID),
	)
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return &session, nil
}

// AddMessage appends a message and touches the session's updated_at in the
// same transaction.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string, metadata Metadata) (*Message, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := s.now()
	msg := &Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Tokens:    s.countTokens(content),
		Metadata:  metadata,
		CreatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchSession(tx, sessionID, map[string]any{"updated_at": now}); err != nil {
			return err
		}
		return tx.Create(msg).Error
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add chat message: %w", err)
	}
	return msg, nil
}

// History returns the most recent messages of a session, oldest first.
// A non-positive limit uses the configured history limit.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}

	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// touchSession applies updates to an existing session. Existence is checked
// with a read because MySQL reports changed rows, not matched ones, and an
// update within the same millisecond changes nothing.
func touchSession(tx *gorm.DB, sessionID string, updates map[string]any) error {
	if err := requireSession(tx, sessionID); err != nil {
		return err
	}
	return tx.Model(&Session{}).Where("session_id = ?", sessionID).Updates(updates).Error
}

func requireSession(tx *gorm.DB, sessionID string) error {
	var n int64
	if err := tx.Model(&Session{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Store) UpdateTitle(ctx context.Context, sessionID, title string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return touchSession(tx, sessionID, map[string]any{"title": title, "updated_at": s.now()})
	})
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update session title: %w", err)
	}
	return nil
}

const firstQuestionSQL = `(SELECT m.content FROM chat_messages m
	WHERE m.session_id = s.session_id AND m.role = 'user'
	ORDER BY m.created_at ASC, m.id ASC LIMIT 1) AS first_question`

// UserSessions lists a user's active sessions, most recently updated first.
func (s *Store) UserSessions(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	if strings.TrimSpace(userID) == "" {
		userID = DefaultUserID
	}
	if limit <= 0 {
		limit = s.sessionsLimit
	}

	var out []SessionSummary
	err := s.db.WithContext(ctx).
		Table("chat_sessions AS s").
		Select("s.session_id, s.user_id, s.knowledge_base_path, s.title, s.created_at, s.updated_at, "+firstQuestionSQL).
		Where("s.user_id = ? AND s.is_active = ?", userID, true).
		Order("s.updated_at DESC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	return out, nil
}

func (s *Store) RecordUsage(ctx context.Context, usage *Usage) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = s.now()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireSession(tx, usage.SessionID); err != nil {
			return err
		}
		return tx.Create(usage).Error
	})
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to record knowledge base usage: %w", err)
	}
	return nil
}

// CloseSession hides a session from listings; its messages are kept.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return touchSession(tx, sessionID, map[string]any{"is_active": false, "updated_at": s.now()})
	})
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to close chat session: %w", err)
	}
	return nil
}

// DeleteSession removes a session with its messages and usage rows.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&Usage{}).Error; err != nil {
			return err
		}
		res := tx.Where("session_id = ?", sessionID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	return nil
}

// Usage returns the usage rows recorded for a session, oldest first.
func (s *Store) Usage(ctx context.Context, sessionID string) ([]Usage, error) {
	var rows []Usage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base usage: %w", err)
	}
	return rows, nil
}

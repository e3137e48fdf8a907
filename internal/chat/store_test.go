package chat

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Fhyywen/shixun-qiu/pkg/config"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chat.db")
	s, err := Open(context.Background(), config.ChatConfig{
		Driver:      DriverSQLite,
		DSN:         dsn,
		AutoMigrate: true,
	}, WithTokenCounter(EstimateTokens), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := &stepClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	s.now = clock.now
	return s
}

func TestCreateSession_Defaults(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "", "data/kb", "")
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, DefaultUserID, session.UserID)
	assert.Equal(t, DefaultTitle, session.Title)

	got, err := s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "data/kb", got.KnowledgeBasePath)
	assert.True(t, got.IsActive)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAddMessage_HistoryOrder(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	session, err := s.CreateSession(ctx, "u1", "kb", "t")
	require.NoError(t, err)

	for _, m := range []struct{ role, content string }{
		{RoleUser, "第一个问题"},
		{RoleAssistant, "第一个回答"},
		{RoleUser, "second question"},
		{RoleAssistant, "second answer"},
	} {
		_, err := s.AddMessage(ctx, session.SessionID, m.role, m.content, Metadata{"pipeline": "vanilla_rag_pipeline"})
		require.NoError(t, err)
	}

	all, err := s.History(ctx, session.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "第一个问题", all[0].Content)
	assert.Equal(t, "second answer", all[3].Content)
	assert.Equal(t, 5, all[0].Tokens)
	assert.Equal(t, "vanilla_rag_pipeline", all[0].Metadata["pipeline"])

	recent, err := s.History(ctx, session.SessionID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "second question", recent[0].Content)
	assert.Equal(t, "second answer", recent[1].Content)

	updated, err := s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(session.UpdatedAt))
}

func TestAddMessage_Rejects(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.AddMessage(ctx, "missing", RoleUser, "q", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	session, err := s.CreateSession(ctx, "u", "", "")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.SessionID, "tool", "x", nil)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestUserSessions_ActiveWithFirstQuestion(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	older, err := s.CreateSession(ctx, "alice", "kb", "older")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, older.SessionID, RoleUser, "东城区有多少街道？", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, older.SessionID, RoleUser, "追问", nil)
	require.NoError(t, err)

	empty, err := s.CreateSession(ctx, "alice", "kb", "empty")
	require.NoError(t, err)
	closed, err := s.CreateSession(ctx, "alice", "kb", "closed")
	require.NoError(t, err)
	require.NoError(t, s.CloseSession(ctx, closed.SessionID))
	_, err = s.CreateSession(ctx, "bob", "kb", "other user")
	require.NoError(t, err)

	list, err := s.UserSessions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, empty.SessionID, list[0].SessionID)
	assert.Nil(t, list[0].FirstQuestion)
	assert.Equal(t, older.SessionID, list[1].SessionID)
	require.NotNil(t, list[1].FirstQuestion)
	assert.Equal(t, "东城区有多少街道？", *list[1].FirstQuestion)
}

func TestUpdateTitleAndClose(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	session, err := s.CreateSession(ctx, "u", "", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateTitle(ctx, session.SessionID, "街道统计"))
	got, err := s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "街道统计", got.Title)

	require.NoError(t, s.CloseSession(ctx, session.SessionID))
	got, err = s.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	assert.ErrorIs(t, s.UpdateTitle(ctx, "missing", "x"), ErrSessionNotFound)
	assert.ErrorIs(t, s.CloseSession(ctx, "missing"), ErrSessionNotFound)
}

func TestDeleteSession_RemovesDependents(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	session, err := s.CreateSession(ctx, "u", "kb", "")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.SessionID, RoleUser, "q", nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordUsage(ctx, &Usage{
		SessionID:         session.SessionID,
		KnowledgeBasePath: "kb",
		Question:          "q",
		SimilarDocsCount:  3,
		AverageSimilarity: 0.82,
	}))

	usage, err := s.Usage(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.InDelta(t, 0.82, usage[0].AverageSimilarity, 1e-9)

	require.NoError(t, s.DeleteSession(ctx, session.SessionID))

	msgs, err := s.History(ctx, session.SessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	usage, err = s.Usage(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, usage)

	assert.ErrorIs(t, s.DeleteSession(ctx, session.SessionID), ErrSessionNotFound)
}

func TestRecordUsage_RequiresSession(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	err := s.RecordUsage(ctx, &Usage{SessionID: "missing", KnowledgeBasePath: "kb", Question: "q"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	var n int64
	require.NoError(t, s.db.Model(&Usage{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestSQLite_ForeignKeysCascade(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	session, err := s.CreateSession(ctx, "u", "kb", "")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, session.SessionID, RoleUser, "q", nil)
	require.NoError(t, err)

	require.NoError(t, s.db.Exec("DELETE FROM chat_sessions WHERE session_id = ?", session.SessionID).Error)

	msgs, err := s.History(ctx, session.SessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	err = s.db.Exec("INSERT INTO chat_messages (session_id, role, content) VALUES (?, 'user', 'x')", "orphan").Error
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "chat.db?_foreign_keys=on", sqliteDSN("chat.db"))
	assert.Equal(t, "file:chat.db?cache=shared&_foreign_keys=on", sqliteDSN("file:chat.db?cache=shared"))
	assert.Equal(t, "chat.db?_foreign_keys=off", sqliteDSN("chat.db?_foreign_keys=off"))
	assert.Equal(t, "chat.db?_fk=1", sqliteDSN("chat.db?_fk=1"))
}

func TestMigrator_DownAndVersion(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "chat.db")
	m, err := NewMigrator(DriverSQLite, dsn)
	require.NoError(t, err)
	defer m.Close()

	v, _, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)

	require.NoError(t, m.Up())
	v, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), v)
	assert.False(t, dirty)

	require.NoError(t, m.Up())
	require.NoError(t, m.Down())
	v, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func newMySQLMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	return NewStore(gdb, WithTokenCounter(EstimateTokens), WithLogger(zap.NewNop())), mock
}

func TestMySQL_CreateSession(t *testing.T) {
	s, mock := newMySQLMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `chat_sessions`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	session, err := s.CreateSession(context.Background(), "u1", "kb", "标题")
	require.NoError(t, err)
	assert.Equal(t, "标题", session.Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_AddMessageUnknownSession(t *testing.T) {
	s, mock := newMySQLMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM `chat_sessions`")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(0))
	mock.ExpectRollback()

	_, err := s.AddMessage(context.Background(), "missing", RoleUser, "q", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// MySQL reports zero affected rows when updated_at already holds the same
// millisecond; the message must still be stored.
func TestMySQL_AddMessageUnchangedSessionRow(t *testing.T) {
	s, mock := newMySQLMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM `chat_sessions`")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `chat_sessions` SET `updated_at`=")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `chat_messages`")).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	msg, err := s.AddMessage(context.Background(), "s1", RoleAssistant, "回答", Metadata{"confidence": 0.9})
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_CloseSessionUnchangedRow(t *testing.T) {
	s, mock := newMySQLMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM `chat_sessions`")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `chat_sessions` SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	assert.NoError(t, s.CloseSession(context.Background(), "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 2, EstimateTokens("你好"))
	assert.Equal(t, 3, EstimateTokens("hello world"))
}

func TestMetadataScan(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan([]byte(`{"confidence":0.8}`)))
	assert.Equal(t, 0.8, m["confidence"])
	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)
	assert.Error(t, m.Scan(42))
}

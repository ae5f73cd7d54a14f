package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLite is the embedded single-node backend. Timestamps are stored as REAL
// unix seconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens dsn (a file path or ":memory:") and applies migrations.
func OpenSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, db, goose.DialectSQLite3, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, summary, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id)
	return scanSQLiteConversation(row)
}

func (s *SQLite) LatestConversation(ctx context.Context, userID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, summary, created_at, updated_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC, rowid DESC
		LIMIT 1
	`, userID)
	return scanSQLiteConversation(row)
}

func (s *SQLite) CreateConversation(ctx context.Context, userID string) (Conversation, error) {
	now := s.now()
	conv := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, summary, created_at, updated_at)
		VALUES (?, ?, '', '', ?, ?)
	`, conv.ID, conv.UserID, unixFromTime(now), unixFromTime(now))
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLite) RenameConversation(ctx context.Context, id, title string) error {
	return s.updateConversation(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, id)
}

func (s *SQLite) UpdateSummary(ctx context.Context, id, summary string) error {
	return s.updateConversation(ctx, `UPDATE conversations SET summary = ?, updated_at = ? WHERE id = ?`, summary, id)
}

func (s *SQLite) updateConversation(ctx context.Context, query, value, id string) error {
	res, err := s.db.ExecContext(ctx, query, value, unixFromTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AppendTurn(ctx context.Context, t Turn) (Turn, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	var attachments any
	if len(t.Attachments) > 0 {
		attachments = string(t.Attachments)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, unixFromTime(t.CreatedAt), t.ConversationID)
	if err != nil {
		return Turn{}, fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Turn{}, ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, user_text, assistant_text, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.ConversationID, t.UserText, t.AssistantText, attachments, unixFromTime(t.CreatedAt)); err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func (s *SQLite) CountTurns(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func (s *SQLite) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_text, assistant_text, attachments, created_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var attachments sql.NullString
		var createdAt float64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.UserText, &t.AssistantText, &attachments, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if attachments.Valid {
			t.Attachments = []byte(attachments.String)
		}
		t.CreatedAt = timeFromUnix(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func scanSQLiteConversation(row *sql.Row) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt float64
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Summary, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = timeFromUnix(createdAt)
	c.UpdatedAt = timeFromUnix(updatedAt)
	return c, nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

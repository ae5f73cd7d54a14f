package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to databaseURL and applies migrations.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = Migrate(ctx, db, goose.DialectPostgres, logger)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const conversationColumns = `id, user_id, title, summary, created_at, updated_at`

func (p *Postgres) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanPgConversation(row)
}

func (p *Postgres) LatestConversation(ctx context.Context, userID string) (Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1
	`, userID)
	return scanPgConversation(row)
}

func (p *Postgres) CreateConversation(ctx context.Context, userID string) (Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id)
		VALUES ($1, $2)
		RETURNING `+conversationColumns,
		uuid.NewString(), userID)
	conv, err := scanPgConversation(row)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (p *Postgres) RenameConversation(ctx context.Context, id, title string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE conversations SET title = $1, updated_at = now() WHERE id = $2`, title, id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateSummary(ctx context.Context, id, summary string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE conversations SET summary = $1, updated_at = now() WHERE id = $2`, summary, id)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendTurn(ctx context.Context, t Turn) (Turn, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var attachments any
	if len(t.Attachments) > 0 {
		attachments = string(t.Attachments)
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, t.ConversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return tx.QueryRow(ctx, `
			INSERT INTO turns (id, conversation_id, user_text, assistant_text, attachments)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at
		`, t.ID, t.ConversationID, t.UserText, t.AssistantText, attachments).Scan(&t.CreatedAt)
	})
	if err != nil {
		return Turn{}, err
	}
	return t, nil
}

func (p *Postgres) CountTurns(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM turns WHERE conversation_id = $1`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func (p *Postgres) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, conversation_id, user_text, assistant_text, attachments, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var attachments []byte
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.UserText, &t.AssistantText, &attachments, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if len(attachments) > 0 {
			t.Attachments = attachments
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func scanPgConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Summary, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	return c, nil
}

package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversational history in PostgreSQL, one row per
// appended line.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turn_history (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			line TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turn_history_client_created ON turn_history (client_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("history: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendUser(ctx context.Context, clientID, text string) error {
	return s.appendLine(ctx, clientID, formatLine("User", text))
}

func (s *PostgresStore) AppendAssistant(ctx context.Context, clientID, text string, markers ...string) error {
	if err := s.appendLine(ctx, clientID, formatLine("Bot", text)); err != nil {
		return err
	}
	for _, m := range markers {
		if err := s.appendLine(ctx, clientID, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) appendLine(ctx context.Context, clientID, line string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turn_history (id, client_id, line, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), clientID, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: append line: %w", err)
	}
	return nil
}

func (s *PostgresStore) Retrieve(ctx context.Context, clientID, query string, limit int) ([]Line, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows pgxRows
	var err error
	if strings.TrimSpace(query) == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, client_id, line, created_at FROM turn_history
			 WHERE client_id=$1 ORDER BY created_at DESC LIMIT $2`,
			clientID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, client_id, line, created_at FROM turn_history
			 WHERE client_id=$1 AND line ILIKE '%' || $2 || '%' ORDER BY created_at DESC LIMIT $3`,
			clientID, query, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		var createdAt time.Time
		if err := rows.Scan(&l.ID, &l.ClientID, &l.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		l.CreatedAt = createdAt.UnixNano()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rows: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgxRows is the subset of pgx.Rows used here, declared locally so this
// file documents exactly what it needs from the driver.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

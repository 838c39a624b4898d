package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB — подмножество *pgxpool.Pool, нужное хранилищу.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres — хранилище в таблице credentials.
type Postgres struct {
	db DB
}

// NewPostgres создаёт хранилище поверх пула pgx. Схема создаётся database.Migrate.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Get возвращает значение ключа или ErrKeyNotFound.
func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.QueryRow(ctx, `SELECT value FROM credentials WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("чтение %s: %w", key, err)
	}
	return value, nil
}

// Set записывает значение одним upsert. Параллельные записи не конфликтуют,
// сохраняется последняя.
func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.db.Exec(ctx, upsertSQL, key, value)
	if err != nil {
		return fmt.Errorf("запись %s: %w", key, err)
	}
	return nil
}

const upsertSQL = `
	INSERT INTO credentials (key, value, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (key) DO UPDATE
	SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

// Пакет credstore — хранилище параметров платформы и ротируемого refresh token.
// Реализации: dotenv-файл (по умолчанию) и таблица PostgreSQL.
package credstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound — ключ отсутствует в хранилище.
var ErrKeyNotFound = errors.New("ключ не найден в хранилище")

// Store — хранилище ключ/значение для учётных данных.
// Set для refresh_token вызывается ровно один раз за запуск, сразу после ротации.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

package credstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

// EnvFile — хранилище в dotenv-файле. Файл читается при открытии;
// Set перезаписывает его целиком через временный файл и rename.
type EnvFile struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// OpenEnvFile читает dotenv-файл path.
func OpenEnvFile(path string) (*EnvFile, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", path, err)
	}
	return &EnvFile{path: path, values: values}, nil
}

// Path возвращает путь к файлу.
func (e *EnvFile) Path() string {
	return e.path
}

// Get возвращает значение ключа или ErrKeyNotFound.
func (e *EnvFile) Get(_ context.Context, key string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

// Set записывает значение и сохраняет файл. При ошибке записи значение
// в памяти не меняется.
func (e *EnvFile) Set(_ context.Context, key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]string, len(e.values)+1)
	for k, v := range e.values {
		next[k] = v
	}
	next[key] = value

	if err := e.write(next); err != nil {
		return fmt.Errorf("сохранение %s в %s: %w", key, e.path, err)
	}
	e.values = next
	return nil
}

// write атомарно перезаписывает файл, сохраняя права доступа.
func (e *EnvFile) write(values map[string]string) error {
	content, err := godotenv.Marshal(values)
	if err != nil {
		return fmt.Errorf("сериализация: %w", err)
	}

	mode := os.FileMode(0o600)
	if info, err := os.Stat(e.path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.path), filepath.Base(e.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("создание временного файла: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("запись: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("закрытие: %w", err)
	}

	if err := os.Rename(tmpPath, e.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("переименование: %w", err)
	}
	return nil
}

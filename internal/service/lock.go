package service

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrRunInProgress — lock-файл уже существует: идёт другой запуск.
var ErrRunInProgress = errors.New("другой запуск уже выполняется")

// acquireLock создаёт lock-файл с PID процесса (O_EXCL).
// Возвращает функцию освобождения. После аварийного завершения lock-файл
// остаётся и удаляется вручную.
func acquireLock(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // G304: путь из конфигурации
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s (pid %s)", ErrRunInProgress, path, lockOwner(path))
		}
		return nil, fmt.Errorf("создание lock-файла %s: %w", path, err)
	}

	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("запись lock-файла: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("закрытие lock-файла: %w", err)
	}

	return func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("удаление lock-файла: %w", err)
		}
		return nil
	}, nil
}

// lockOwner возвращает PID из lock-файла или "?".
func lockOwner(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // G304: путь из конфигурации
	if err != nil {
		return "?"
	}
	if pid := strings.TrimSpace(string(data)); pid != "" {
		return pid
	}
	return "?"
}

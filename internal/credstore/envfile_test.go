package credstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("запись .env: %v", err)
	}
	return path
}

func TestEnvFile_Get(t *testing.T) {
	path := writeEnv(t, `# параметры платформы
bspace_url=https://lms.example.edu
client_secret="s3cr3t with spaces"
refresh_token='rt-1'
`)

	store, err := OpenEnvFile(path)
	if err != nil {
		t.Fatalf("OpenEnvFile ошибка: %v", err)
	}

	ctx := context.Background()
	tests := map[string]string{
		"bspace_url":    "https://lms.example.edu",
		"client_secret": "s3cr3t with spaces",
		"refresh_token": "rt-1",
	}
	for key, want := range tests {
		got, err := store.Get(ctx, key)
		if err != nil {
			t.Errorf("Get(%s) ошибка: %v", key, err)
			continue
		}
		if got != want {
			t.Errorf("Get(%s) = %q, ожидалось %q", key, got, want)
		}
	}

	if _, err := store.Get(ctx, "send_to"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(send_to) ошибка = %v, ожидалась ErrKeyNotFound", err)
	}
}

func TestEnvFile_SetPersists(t *testing.T) {
	path := writeEnv(t, "client_id=abc\nrefresh_token=rt-old\nfrom=watcher@example.edu\n")
	ctx := context.Background()

	store, err := OpenEnvFile(path)
	if err != nil {
		t.Fatalf("OpenEnvFile ошибка: %v", err)
	}
	if err := store.Set(ctx, "refresh_token", "rt-new"); err != nil {
		t.Fatalf("Set ошибка: %v", err)
	}

	if got, _ := store.Get(ctx, "refresh_token"); got != "rt-new" {
		t.Errorf("Get после Set = %q, ожидалось rt-new", got)
	}

	// Повторное открытие видит новое значение и прочие ключи
	values, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("godotenv.Read ошибка: %v", err)
	}
	if values["refresh_token"] != "rt-new" {
		t.Errorf("refresh_token в файле = %q", values["refresh_token"])
	}
	if values["client_id"] != "abc" || values["from"] != "watcher@example.edu" {
		t.Errorf("прочие ключи потеряны: %v", values)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat ошибка: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("права = %v, ожидались 0600", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("остался временный файл %s", e.Name())
		}
	}
}

func TestEnvFile_SetNewKey(t *testing.T) {
	path := writeEnv(t, "a=1\n")
	store, err := OpenEnvFile(path)
	if err != nil {
		t.Fatalf("OpenEnvFile ошибка: %v", err)
	}

	if err := store.Set(context.Background(), "refresh_token", "rt-second"); err != nil {
		t.Fatalf("Set ошибка: %v", err)
	}

	reopened, err := OpenEnvFile(path)
	if err != nil {
		t.Fatalf("повторное открытие: %v", err)
	}
	if got, _ := reopened.Get(context.Background(), "refresh_token"); got != "rt-second" {
		t.Errorf("refresh_token = %q", got)
	}
}

func TestEnvFile_SetFailureKeepsMemory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("refresh_token=rt-old\n"), 0o600); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	store, err := OpenEnvFile(path)
	if err != nil {
		t.Fatalf("OpenEnvFile ошибка: %v", err)
	}

	// Каталог удалён — временный файл не создать
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	if err := store.Set(context.Background(), "refresh_token", "rt-new"); err == nil {
		t.Fatal("ожидалась ошибка записи")
	}
	if got, _ := store.Get(context.Background(), "refresh_token"); got != "rt-old" {
		t.Errorf("значение в памяти = %q, ожидалось rt-old", got)
	}
}

func TestOpenEnvFile_Missing(t *testing.T) {
	if _, err := OpenEnvFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatal("ожидалась ошибка для отсутствующего файла")
	}
}

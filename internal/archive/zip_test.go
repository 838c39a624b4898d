package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeZip создаёт zip-архив с указанными записями.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip Write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("запись архива: %v", err)
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "org_units.zip")
	writeZip(t, src, map[string]string{
		"OrganizationalUnits.csv": "OrgUnitId,Code,CreatedDate\n",
		"nested/readme.txt":       "hello",
	})

	dest := filepath.Join(dir, "out")
	files, err := ExtractZip(src, dest)
	if err != nil {
		t.Fatalf("ExtractZip ошибка: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("распаковано %d файлов, ожидалось 2", len(files))
	}

	data, err := os.ReadFile(filepath.Join(dest, "OrganizationalUnits.csv"))
	if err != nil {
		t.Fatalf("чтение CSV: %v", err)
	}
	if string(data) != "OrgUnitId,Code,CreatedDate\n" {
		t.Errorf("содержимое = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dest, "nested", "readme.txt")); err != nil {
		t.Errorf("вложенный файл не распакован: %v", err)
	}
}

func TestExtractZip_Overwrites(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.zip")
	writeZip(t, src, map[string]string{"data.csv": "new"})

	existing := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(existing, []byte("old content that is longer"), 0o600); err != nil {
		t.Fatalf("подготовка: %v", err)
	}

	if _, err := ExtractZip(src, dir); err != nil {
		t.Fatalf("ExtractZip ошибка: %v", err)
	}
	data, _ := os.ReadFile(existing)
	if string(data) != "new" {
		t.Errorf("содержимое = %q, ожидалось new", data)
	}
}

func TestExtractZip_Missing(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out")

	_, err := ExtractZip(filepath.Join(dir, "absent.zip"), dest)
	if !errors.Is(err, ErrArchiveMissing) {
		t.Fatalf("ошибка = %v, ожидалась ErrArchiveMissing", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("каталог назначения создан для отсутствующего архива")
	}
}

func TestExtractZip_Corrupt(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.zip")
	if err := os.WriteFile(src, []byte("not a zip"), 0o600); err != nil {
		t.Fatalf("подготовка: %v", err)
	}

	_, err := ExtractZip(src, dir)
	if err == nil {
		t.Fatal("ожидалась ошибка для повреждённого архива")
	}
	if errors.Is(err, ErrArchiveMissing) {
		t.Error("повреждённый архив не должен считаться отсутствующим")
	}
}

func TestExtractZip_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	writeZip(t, src, map[string]string{"../escape.txt": "x"})

	dest := filepath.Join(dir, "out")
	_, err := ExtractZip(src, dest)
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("ошибка = %v, ожидалась ErrUnsafePath", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(statErr) {
		t.Error("файл записан за пределами каталога назначения")
	}
}

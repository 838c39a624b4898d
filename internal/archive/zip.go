// Пакет archive — распаковка скачанной выгрузки.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrArchiveMissing — архив отсутствует (предыдущий шаг не создал файл).
var ErrArchiveMissing = errors.New("архив не найден")

// ErrUnsafePath — запись архива указывает за пределы каталога назначения.
var ErrUnsafePath = errors.New("небезопасный путь в архиве")

// ExtractZip распаковывает src в destDir, создавая каталог при необходимости.
// Существующие файлы перезаписываются. Возвращает пути распакованных файлов.
// Отсутствующий src — ErrArchiveMissing, destDir при этом не трогается.
func ExtractZip(src, destDir string) ([]string, error) {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveMissing, src)
		}
		return nil, fmt.Errorf("проверка архива %s: %w", src, err)
	}

	zr, err := zip.OpenReader(src)
	if errors.Is(err, zip.ErrInsecurePath) {
		zr.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsafePath, src)
	}
	if err != nil {
		return nil, fmt.Errorf("открытие архива %s: %w", src, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("создание каталога %s: %w", destDir, err)
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("абсолютный путь %s: %w", destDir, err)
	}

	var extracted []string
	for _, f := range zr.File {
		target, err := safeJoin(root, f.Name)
		if err != nil {
			return extracted, err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return extracted, fmt.Errorf("создание каталога %s: %w", target, err)
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return extracted, err
		}
		extracted = append(extracted, target)
	}

	return extracted, nil
}

// safeJoin возвращает путь записи внутри root или ErrUnsafePath.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name) //nolint:gosec // G305: проверяется ниже
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

// extractFile записывает одну запись архива.
func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("создание каталога %s: %w", filepath.Dir(target), err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("открытие %s в архиве: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // G304: путь проверен safeJoin
	if err != nil {
		return fmt.Errorf("создание %s: %w", target, err)
	}

	if _, err := io.Copy(out, rc); err != nil { //nolint:gosec // G110: выгрузка платформы, размер ограничен источником
		out.Close()
		return fmt.Errorf("распаковка %s: %w", f.Name, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("закрытие %s: %w", target, err)
	}
	return nil
}

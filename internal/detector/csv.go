package detector

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// Столбцы выгрузки OrganizationalUnits.
const (
	ColumnOrgUnitID    = "OrgUnitId"
	ColumnCode         = "Code"
	ColumnCreatedDate  = "CreatedDate"
	ColumnModifiedCode = "ModifiedCode"
)

// snapshotHeader — столбцы файла-снимка найденных дублей.
var snapshotHeader = []string{ColumnCode, ColumnCreatedDate, ColumnOrgUnitID, ColumnModifiedCode}

// ErrMissingColumn — в заголовке выгрузки нет обязательного столбца.
var ErrMissingColumn = errors.New("в выгрузке нет обязательного столбца")

// ReadExport читает CSV выгрузки. Столбцы ищутся по имени в заголовке,
// лишние столбцы игнорируются.
func ReadExport(path string) ([]model.OrgUnitRow, error) {
	f, err := os.Open(path) //nolint:gosec // G304: путь из конфигурации
	if err != nil {
		return nil, fmt.Errorf("открытие выгрузки: %w", err)
	}
	defer f.Close()

	return ParseExport(f)
}

// ParseExport — ReadExport для произвольного источника.
func ParseExport(r io.Reader) ([]model.OrgUnitRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("чтение заголовка выгрузки: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		// BOM в начале файла
		name = strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}

	for _, name := range []string{ColumnOrgUnitID, ColumnCode, ColumnCreatedDate} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	idxID, idxCode, idxDate := cols[ColumnOrgUnitID], cols[ColumnCode], cols[ColumnCreatedDate]

	var rows []model.OrgUnitRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("чтение строки выгрузки: %w", err)
		}

		rows = append(rows, model.OrgUnitRow{
			OrgUnitID:   field(rec, idxID),
			Code:        field(rec, idxCode),
			CreatedDate: field(rec, idxDate),
		})
	}

	return rows, nil
}

// field возвращает i-е поле или "" для короткой строки.
func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

// WriteSnapshot атомарно записывает найденные группы в CSV.
// Файл пишется и при пустом результате (только заголовок).
func WriteSnapshot(path string, groups []model.DuplicateGroup, suffixLength int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("создание каталога снимка: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // G304: путь из конфигурации
	if err != nil {
		return fmt.Errorf("создание временного файла снимка: %w", err)
	}

	if err := writeSnapshot(f, groups, suffixLength); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync снимка: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("закрытие снимка: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("переименование снимка: %w", err)
	}
	return nil
}

func writeSnapshot(w io.Writer, groups []model.DuplicateGroup, suffixLength int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(snapshotHeader); err != nil {
		return fmt.Errorf("запись заголовка снимка: %w", err)
	}

	for _, g := range groups {
		for _, rec := range g.Records {
			row := []string{
				rec.Code,
				rec.CreatedDate.UTC().Format(time.RFC3339),
				rec.OrgUnitID,
				Normalize(rec.Code, suffixLength),
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("запись строки снимка: %w", err)
			}
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("запись снимка: %w", err)
	}
	return nil
}

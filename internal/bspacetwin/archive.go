package bspacetwin

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"
)

// BuildArchive упаковывает файлы (имя → содержимое) в zip в памяти.
// Используется для подготовки выгрузки OrganizationalUnits.csv.
func BuildArchive(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for name, content := range files {
		f, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("создание %s в архиве: %w", name, err)
		}
		if _, err := f.Write(content); err != nil {
			return nil, fmt.Errorf("запись %s в архив: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("закрытие архива: %w", err)
	}
	return buf.Bytes(), nil
}

// SampleExport формирует OrganizationalUnits.csv для локального стенда:
// свежая пара секций, отличающихся только суффиксом кода, соседняя секция
// того же курса, старая пара месячной давности и строка с некорректным кодом.
func SampleExport(now time.Time) []byte {
	recent := now.Add(-24 * time.Hour).UTC().Format("2006-01-02T15:04:05.000Z")
	stale := now.Add(-30 * 24 * time.Hour).UTC().Format("2006-01-02T15:04:05.000Z")

	var buf bytes.Buffer
	buf.WriteString("OrgUnitId,Organization,Type,Name,Code,IsActive,CreatedDate,IsDeleted\n")
	rows := [][]string{
		{"6701", "6606", "Course Offering", "Intro to Design (Fall)", "2024-AB-D01-WXYZ-1P01-S01-ABC", "True", recent, "False"},
		{"6702", "6606", "Course Offering", "Intro to Design (Fall)", "2024-AB-D01-WXYZ-1P01-S01-ABD", "True", recent, "False"},
		{"6703", "6606", "Course Offering", "Intro to Design (Fall)", "2024-AB-D01-WXYZ-1P01-S02-ABC", "True", recent, "False"},
		{"5101", "6606", "Course Offering", "Typography I", "2024-CD-D02-TYPO-1P02-S01-ABC", "True", stale, "False"},
		{"5102", "6606", "Course Offering", "Typography I", "2024-CD-D02-TYPO-1P02-S01-XYZ", "True", stale, "False"},
		{"9001", "6606", "Course Template", "Sandbox", "SANDBOX-DESIGN", "True", recent, "False"},
	}
	for _, r := range rows {
		fmt.Fprintf(&buf, "%s,%s,%s,%q,%s,%s,%s,%s\n", r[0], r[1], r[2], r[3], r[4], r[5], r[6], r[7])
	}
	return buf.Bytes()
}

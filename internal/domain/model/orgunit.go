// Пакет model — доменные модели section-watcher.
// OrgUnitRow/OrgUnitRecord — строки выгрузки организационных единиц,
// DuplicateGroup — группа секций с общим ModifiedCode.
package model

import "time"

// OrgUnitRow — сырая строка CSV-выгрузки до валидации.
type OrgUnitRow struct {
	// OrgUnitID — идентификатор организационной единицы (столбец OrgUnitId)
	OrgUnitID string
	// Code — структурный код секции
	Code string
	// CreatedDate — дата создания в исходном текстовом виде
	CreatedDate string
}

// OrgUnitRecord — валидная запись: код прошёл проверку шаблона,
// дата создания распознана и приведена к UTC.
type OrgUnitRecord struct {
	OrgUnitID   string
	Code        string
	CreatedDate time.Time
}

// DuplicateGroup — записи с общим ModifiedCode и различными Code.
// Пересчитывается на каждом запуске и не сохраняется между запусками.
type DuplicateGroup struct {
	// ModifiedCode — код без отбрасываемого суффикса (идентичность курса)
	ModifiedCode string
	// Records — по одной записи на каждый различный Code, отсортированы по Code
	Records []OrgUnitRecord
	// Newest — максимальная CreatedDate среди Records
	Newest time.Time
}

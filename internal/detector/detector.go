package detector

import (
	"log/slog"
	"time"

	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// DefaultRecencyWindow — окно свежести по умолчанию.
const DefaultRecencyWindow = 7 * 24 * time.Hour

// Detector — цепочка стадий поиска недавних дублей.
type Detector struct {
	// SuffixLength — число отбрасываемых хвостовых символов кода
	SuffixLength int
	// RecencyWindow — окно свежести относительно момента запуска
	RecencyWindow time.Duration
	logger        *slog.Logger
}

// Result — итог одного прогона.
type Result struct {
	// Groups — недавние группы дублей, по ModifiedCode
	Groups []model.DuplicateGroup
	// TotalRows — строк в выгрузке
	TotalRows int
	// DroppedRows — строк, не прошедших валидацию кода или даты
	DroppedRows int
	// UniqueCodes — записей после схлопывания по Code
	UniqueCodes int
	// DuplicateGroups — групп дублей до фильтра свежести
	DuplicateGroups int
}

// Records возвращает записи всех групп результата подряд.
func (r Result) Records() []model.OrgUnitRecord {
	var out []model.OrgUnitRecord
	for _, g := range r.Groups {
		out = append(out, g.Records...)
	}
	return out
}

// Empty сообщает, что недавних дублей нет.
func (r Result) Empty() bool {
	return len(r.Groups) == 0
}

// New создаёт детектор. Неположительные параметры заменяются значениями по умолчанию.
func New(suffixLength int, window time.Duration, logger *slog.Logger) *Detector {
	if suffixLength <= 0 {
		suffixLength = DefaultSuffixLength
	}
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return &Detector{
		SuffixLength:  suffixLength,
		RecencyWindow: window,
		logger:        logger.With(slog.String("component", "detector")),
	}
}

// Detect прогоняет строки выгрузки через все стадии относительно момента now.
func (d *Detector) Detect(rows []model.OrgUnitRow, now time.Time) Result {
	records, dropped := Validate(rows)
	collapsed := CollapseByCode(records)
	duplicates := FilterDuplicates(GroupByModifiedCode(collapsed, d.SuffixLength))
	recent := FilterRecent(duplicates, now, d.RecencyWindow)

	res := Result{
		Groups:          recent,
		TotalRows:       len(rows),
		DroppedRows:     dropped,
		UniqueCodes:     len(collapsed),
		DuplicateGroups: len(duplicates),
	}

	d.logger.Debug("Стадии детектора",
		slog.Int("total_rows", res.TotalRows),
		slog.Int("dropped_rows", res.DroppedRows),
		slog.Int("unique_codes", res.UniqueCodes),
		slog.Int("duplicate_groups", res.DuplicateGroups),
		slog.Int("recent_groups", len(res.Groups)),
	)

	if len(records) == 0 && len(rows) > 0 {
		d.logger.Warn("После валидации кода и даты не осталось строк",
			slog.Int("total_rows", len(rows)),
		)
	}

	return res
}

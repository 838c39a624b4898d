package detector

import (
	"sort"
	"time"

	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// Validate оставляет строки с корректным кодом и разборной датой создания.
// Остальные строки отбрасываются. Второе значение — число отброшенных строк.
func Validate(rows []model.OrgUnitRow) ([]model.OrgUnitRecord, int) {
	records := make([]model.OrgUnitRecord, 0, len(rows))
	dropped := 0

	for _, row := range rows {
		if !MatchesPattern(row.Code) {
			dropped++
			continue
		}
		created, err := ParseCreatedDate(row.CreatedDate)
		if err != nil {
			dropped++
			continue
		}
		records = append(records, model.OrgUnitRecord{
			OrgUnitID:   row.OrgUnitID,
			Code:        row.Code,
			CreatedDate: created,
		})
	}

	return records, dropped
}

// CollapseByCode оставляет одну запись на каждый Code: с максимальной датой
// создания, при равенстве — первую встреченную. Порядок первого появления сохраняется.
func CollapseByCode(records []model.OrgUnitRecord) []model.OrgUnitRecord {
	index := make(map[string]int, len(records))
	result := make([]model.OrgUnitRecord, 0, len(records))

	for _, rec := range records {
		i, seen := index[rec.Code]
		if !seen {
			index[rec.Code] = len(result)
			result = append(result, rec)
			continue
		}
		if rec.CreatedDate.After(result[i].CreatedDate) {
			result[i] = rec
		}
	}

	return result
}

// GroupByModifiedCode группирует записи по Normalize(Code, n).
// Группы упорядочены по ModifiedCode, записи внутри группы — по Code.
func GroupByModifiedCode(records []model.OrgUnitRecord, n int) []model.DuplicateGroup {
	byKey := make(map[string]*model.DuplicateGroup)

	for _, rec := range records {
		key := Normalize(rec.Code, n)
		g, ok := byKey[key]
		if !ok {
			g = &model.DuplicateGroup{ModifiedCode: key}
			byKey[key] = g
		}
		g.Records = append(g.Records, rec)
		if rec.CreatedDate.After(g.Newest) {
			g.Newest = rec.CreatedDate
		}
	}

	groups := make([]model.DuplicateGroup, 0, len(byKey))
	for _, g := range byKey {
		sort.SliceStable(g.Records, func(i, j int) bool {
			return g.Records[i].Code < g.Records[j].Code
		})
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].ModifiedCode < groups[j].ModifiedCode
	})

	return groups
}

// FilterDuplicates оставляет группы минимум из двух различных кодов.
func FilterDuplicates(groups []model.DuplicateGroup) []model.DuplicateGroup {
	result := make([]model.DuplicateGroup, 0, len(groups))
	for _, g := range groups {
		if distinctCodes(g.Records) >= 2 {
			result = append(result, g)
		}
	}
	return result
}

// FilterRecent оставляет группы, у которых самая свежая запись создана
// не раньше now - window. Даты в будущем проходят фильтр.
func FilterRecent(groups []model.DuplicateGroup, now time.Time, window time.Duration) []model.DuplicateGroup {
	cutoff := now.Add(-window)
	result := make([]model.DuplicateGroup, 0, len(groups))
	for _, g := range groups {
		if !g.Newest.Before(cutoff) {
			result = append(result, g)
		}
	}
	return result
}

func distinctCodes(records []model.OrgUnitRecord) int {
	codes := make(map[string]struct{}, len(records))
	for _, r := range records {
		codes[r.Code] = struct{}{}
	}
	return len(codes)
}

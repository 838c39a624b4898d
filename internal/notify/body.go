// Пакет notify — уведомление о найденных дублях секций.
// Формирует HTML-письмо со ссылками на секции и отправляет его через
// sendmail, SMTP или в лог (если транспорт не настроен).
package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// Subject — тема письма.
const Subject = "Duplicate Section Information Detected"

// bodyTemplate — HTML письма. Каждая строка завершается <br>.
var bodyTemplate = template.Must(template.New("alert").Parse(`<html>
<body>
    <h3>Greetings from Section Type Change Catcher Script,</h3>
    <p>This is an automatic email message. Please see the duplicate section information below:</p>
    <p><mark>{{range .Lines}}{{.}}<br>{{end}}</mark></p>
    <aside>
        Note: This script will be running every Thursday at 9:00 am.
    </aside>
    <p>Thank you.</p>
    <p>Cheers,</p>
</body>
</html>
`))

// FormatLines формирует строки вида "{baseURL}/d2l/home/{OrgUnitId} - {Code}"
// в порядке записей.
func FormatLines(baseURL string, records []model.OrgUnitRecord) []string {
	base := strings.TrimRight(baseURL, "/")
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("%s/d2l/home/%s - %s", base, r.OrgUnitID, r.Code))
	}
	return lines
}

// RenderBody подставляет строки в HTML-шаблон письма. Значения экранируются.
func RenderBody(lines []string) (string, error) {
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, struct{ Lines []string }{lines}); err != nil {
		return "", fmt.Errorf("рендеринг письма: %w", err)
	}
	return buf.String(), nil
}

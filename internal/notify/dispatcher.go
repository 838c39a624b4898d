package notify

import (
	"context"
	"log/slog"

	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// Dispatcher формирует письмо по найденным дублям и передаёт его Sender.
type Dispatcher struct {
	sender  Sender
	baseURL string
	to      string
	from    string
	logger  *slog.Logger
}

// NewDispatcher создаёт диспетчер уведомлений.
// baseURL — адрес платформы для ссылок на секции, to/from — адресаты из credential store.
func NewDispatcher(sender Sender, baseURL, to, from string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		baseURL: baseURL,
		to:      to,
		from:    from,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch отправляет одно письмо со всеми записями. Пустой список — без отправки.
// Ошибки доставки логируются и не возвращаются: запуск не прерывается.
// Возвращает true, если письмо отправлено.
func (d *Dispatcher) Dispatch(ctx context.Context, records []model.OrgUnitRecord) bool {
	if len(records) == 0 {
		return false
	}

	body, err := RenderBody(FormatLines(d.baseURL, records))
	if err != nil {
		d.logger.Error("Письмо не сформировано", slog.String("error", err.Error()))
		return false
	}

	if err := d.sender.Send(ctx, body, d.to, d.from); err != nil {
		d.logger.Error("Уведомление не отправлено",
			slog.String("to", d.to),
			slog.String("error", err.Error()),
		)
		return false
	}

	d.logger.Info("Уведомление о дублях отправлено",
		slog.String("to", d.to),
		slog.Int("sections", len(records)),
	)
	return true
}

package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/section-watcher/internal/config"
)

// Sender — транспорт доставки письма. to может содержать несколько адресов через запятую.
type Sender interface {
	Send(ctx context.Context, bodyHTML, to, from string) error
}

// NewSender выбирает транспорт по SW_MAIL_TRANSPORT.
func NewSender(cfg *config.Config, logger *slog.Logger) (Sender, error) {
	switch cfg.MailTransport {
	case config.MailSendmail:
		return &SendmailSender{Path: cfg.SendmailPath}, nil
	case config.MailSMTP:
		return &SMTPSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, nil
	case config.MailLog:
		return NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("неизвестный транспорт уведомлений %q", cfg.MailTransport)
	}
}

// buildMessage формирует RFC 5322 сообщение с HTML-телом.
func buildMessage(bodyHTML, to, from string, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(bodyHTML)
	return b.Bytes()
}

// splitAddresses разбирает список адресатов через запятую или точку с запятой.
func splitAddresses(to string) []string {
	fields := strings.FieldsFunc(to, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// --- sendmail ---

// SendmailSender передаёт сообщение локальному MTA: sendmail -t -i
// (адресаты берутся из заголовков).
type SendmailSender struct {
	Path string
}

// Send запускает sendmail и пишет сообщение в stdin.
func (s *SendmailSender) Send(ctx context.Context, bodyHTML, to, from string) error {
	msg := buildMessage(bodyHTML, to, from, time.Now())

	cmd := exec.CommandContext(ctx, s.Path, "-t", "-i") //nolint:gosec // G204: путь из конфигурации
	cmd.Stdin = bytes.NewReader(msg)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sendmail %s: %w: %s", s.Path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// --- SMTP ---

// sendMailFunc — сигнатура smtp.SendMail (подменяется в тестах).
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender отправляет письмо через SMTP-релей. Без Username — без аутентификации.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string //nolint:gosec // G101: поле структуры

	sendMail sendMailFunc
}

// Send отправляет письмо через smtp.SendMail.
func (s *SMTPSender) Send(_ context.Context, bodyHTML, to, from string) error {
	recipients := splitAddresses(to)
	if len(recipients) == 0 {
		return errors.New("не указаны адресаты")
	}

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	if err := send(addr, auth, from, recipients, buildMessage(bodyHTML, to, from, time.Now())); err != nil {
		return fmt.Errorf("SMTP %s: %w", addr, err)
	}
	return nil
}

// --- log ---

// LogSender пишет письмо в лог вместо отправки.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender создаёт LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "log_sender"))}
}

// Send логирует адресатов и тело письма.
func (s *LogSender) Send(_ context.Context, bodyHTML, to, from string) error {
	s.logger.Warn("Транспорт почты не настроен, уведомление записано в лог",
		slog.String("to", to),
		slog.String("from", from),
		slog.String("subject", Subject),
		slog.String("body", bodyHTML),
	)
	return nil
}

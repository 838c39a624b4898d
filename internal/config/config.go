// Пакет config — загрузка и валидация конфигурации section-watcher
// из переменных окружения и настройка логгера.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые значения SW_CRED_STORE.
const (
	CredStoreEnvFile  = "envfile"
	CredStorePostgres = "postgres"
)

// Допустимые значения SW_MAIL_TRANSPORT.
const (
	MailSendmail = "sendmail"
	MailSMTP     = "smtp"
	MailLog      = "log"
)

// Config содержит параметры процесса section-watcher.
// Параметры платформы (URL, client_id, refresh_token и т.д.) хранятся
// в credential store и загружаются отдельно через LoadPlatform.
type Config struct {
	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Путь к ротируемому лог-файлу (пустая строка — только stdout)
	LogFile string
	// Максимальный размер лог-файла в мегабайтах до ротации
	LogMaxSizeMB int
	// Количество хранимых архивных лог-файлов
	LogMaxBackups int

	// --- Credential store ---

	// Тип хранилища: envfile или postgres
	CredStore string
	// Путь к dotenv-файлу (для envfile)
	CredFile string

	// --- PostgreSQL (только для CredStore = postgres) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Файлы ---

	// Рабочая директория для архива, выгрузки и снимка дубликатов
	WorkDir string
	// Имя скачиваемого архива
	ArchiveName string
	// Имя CSV-выгрузки внутри архива
	ExportName string
	// Имя CSV-снимка найденных дубликатов
	SnapshotName string

	// --- Платформа ---

	// Версия Valence LP API (по умолчанию 1.47)
	APIVersion string
	// Таймаут HTTP-запросов к платформе (0 — без таймаута)
	HTTPTimeout time.Duration
	// URL JWKS identity-сервиса для проверки подписи access token (опционально)
	JWKSURL string

	// --- Детектор ---

	// Количество отбрасываемых символов в конце кода секции
	SuffixLength int
	// Окно свежести дубликатов
	RecencyWindow time.Duration

	// --- Уведомления ---

	// Транспорт: sendmail, smtp, log
	MailTransport string
	// Путь к sendmail
	SendmailPath string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string //nolint:gosec // G101: поле структуры, не содержит секрет напрямую

	// --- Метрики ---

	// Путь к textfile для node_exporter (пустая строка — метрики не пишутся)
	MetricsFile string
}

// ArchivePath возвращает полный путь к скачиваемому архиву.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.WorkDir, c.ArchiveName)
}

// ExportPath возвращает полный путь к CSV-выгрузке.
func (c *Config) ExportPath() string {
	return filepath.Join(c.WorkDir, c.ExportName)
}

// SnapshotPath возвращает полный путь к снимку дубликатов.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.WorkDir, c.SnapshotName)
}

// LockPath возвращает путь к lock-файлу, защищающему от параллельных запусков.
func (c *Config) LockPath() string {
	return filepath.Join(c.WorkDir, ".section-watcher.lock")
}

// DatabaseDSN формирует DSN для подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// MigrateURL формирует URL для golang-migrate (схема pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Логирование ---

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SW_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SW_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("SW_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SW_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.LogFile = getEnvDefault("SW_LOG_FILE", "logs/section-watcher.log")
	if strings.EqualFold(cfg.LogFile, "none") {
		cfg.LogFile = ""
	}

	cfg.LogMaxSizeMB, err = getEnvPositiveInt("SW_LOG_MAX_SIZE_MB", 5)
	if err != nil {
		return nil, fmt.Errorf("SW_LOG_MAX_SIZE_MB: %w", err)
	}

	cfg.LogMaxBackups, err = getEnvPositiveInt("SW_LOG_MAX_BACKUPS", 5)
	if err != nil {
		return nil, fmt.Errorf("SW_LOG_MAX_BACKUPS: %w", err)
	}

	// --- Credential store ---

	cfg.CredStore = getEnvDefault("SW_CRED_STORE", CredStoreEnvFile)
	switch cfg.CredStore {
	case CredStoreEnvFile:
		cfg.CredFile = getEnvDefault("SW_CRED_FILE", ".env")
	case CredStorePostgres:
		if err := loadDatabase(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("SW_CRED_STORE: недопустимое значение %q, допустимые: envfile, postgres", cfg.CredStore)
	}

	// --- Файлы ---

	cfg.WorkDir = getEnvDefault("SW_WORK_DIR", "files")
	cfg.ArchiveName = getEnvDefault("SW_ARCHIVE_NAME", "org_units.zip")
	cfg.ExportName = getEnvDefault("SW_EXPORT_NAME", "OrganizationalUnits.csv")
	cfg.SnapshotName = getEnvDefault("SW_SNAPSHOT_NAME", "recent_duplicates_output.csv")

	// --- Платформа ---

	cfg.APIVersion = getEnvDefault("SW_API_VERSION", "1.47")

	cfg.HTTPTimeout, err = getEnvDuration("SW_HTTP_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SW_HTTP_TIMEOUT: %w", err)
	}
	if cfg.HTTPTimeout < 0 {
		return nil, fmt.Errorf("SW_HTTP_TIMEOUT: значение должно быть >= 0")
	}

	cfg.JWKSURL = os.Getenv("SW_JWKS_URL")

	// --- Детектор ---

	cfg.SuffixLength, err = getEnvPositiveInt("SW_SUFFIX_LENGTH", 4)
	if err != nil {
		return nil, fmt.Errorf("SW_SUFFIX_LENGTH: %w", err)
	}

	cfg.RecencyWindow, err = getEnvDuration("SW_RECENCY_WINDOW", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SW_RECENCY_WINDOW: %w", err)
	}
	if cfg.RecencyWindow <= 0 {
		return nil, fmt.Errorf("SW_RECENCY_WINDOW: значение должно быть > 0")
	}

	// --- Уведомления ---

	if err := loadMail(cfg); err != nil {
		return nil, err
	}

	// --- Метрики ---

	cfg.MetricsFile = os.Getenv("SW_METRICS_FILE")

	return cfg, nil
}

// loadDatabase загружает параметры PostgreSQL для credential store.
func loadDatabase(cfg *Config) error {
	var err error

	if cfg.DBHost, err = getEnvRequired("SW_DB_HOST"); err != nil {
		return err
	}
	if cfg.DBPort, err = getEnvInt("SW_DB_PORT", 5432); err != nil {
		return fmt.Errorf("SW_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("SW_DB_NAME"); err != nil {
		return err
	}
	if cfg.DBUser, err = getEnvRequired("SW_DB_USER"); err != nil {
		return err
	}
	if cfg.DBPassword, err = getEnvRequired("SW_DB_PASSWORD"); err != nil {
		return err
	}
	cfg.DBSSLMode = getEnvDefault("SW_DB_SSL_MODE", "disable")

	return nil
}

// loadMail загружает параметры транспорта уведомлений.
func loadMail(cfg *Config) error {
	var err error

	cfg.MailTransport = getEnvDefault("SW_MAIL_TRANSPORT", MailSendmail)
	switch cfg.MailTransport {
	case MailSendmail:
		cfg.SendmailPath = getEnvDefault("SW_SENDMAIL_PATH", "/usr/sbin/sendmail")
	case MailSMTP:
		if cfg.SMTPHost, err = getEnvRequired("SW_SMTP_HOST"); err != nil {
			return err
		}
		if cfg.SMTPPort, err = getEnvInt("SW_SMTP_PORT", 587); err != nil {
			return fmt.Errorf("SW_SMTP_PORT: %w", err)
		}
		cfg.SMTPUsername = os.Getenv("SW_SMTP_USERNAME")
		cfg.SMTPPassword = os.Getenv("SW_SMTP_PASSWORD")
	case MailLog:
	default:
		return fmt.Errorf("SW_MAIL_TRANSPORT: недопустимое значение %q, допустимые: sendmail, smtp, log", cfg.MailTransport)
	}

	return nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
// Логи пишутся в stdout и, если задан LogFile, в ротируемый файл.
// Возвращённый io.Closer закрывает лог-файл (nil, если файл не используется).
func SetupLogger(cfg *Config) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var out io.Writer = os.Stdout
	var closer io.Closer

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("создание директории логов: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvPositiveInt — getEnvInt с проверкой > 0.
func getEnvPositiveInt(key string, defaultVal int) (int, error) {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 168h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// Точка входа section-watcher — однократный запуск проверки дубликатов секций.
// Загружает конфигурацию, открывает credential store (dotenv-файл или PostgreSQL),
// ротирует refresh token, скачивает выгрузку OrganizationalUnits,
// ищет недавние дубликаты секций и отправляет уведомление.
// Предназначен для запуска по расписанию (cron, systemd timer, Kubernetes CronJob).
//
// Коды завершения: 0 — запуск выполнен или штатно пропущен (выгрузка недоступна),
// 1 — аварийное завершение (конфигурация, аутентификация, сохранение токена,
// параллельный запуск).
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bigkaa/section-watcher/internal/authclient"
	"github.com/bigkaa/section-watcher/internal/bspaceclient"
	"github.com/bigkaa/section-watcher/internal/config"
	"github.com/bigkaa/section-watcher/internal/credstore"
	"github.com/bigkaa/section-watcher/internal/database"
	"github.com/bigkaa/section-watcher/internal/detector"
	"github.com/bigkaa/section-watcher/internal/notify"
	"github.com/bigkaa/section-watcher/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		return 1
	}

	// 2. Настройка логирования (stdout + ротируемый файл)
	logger, logCloser, err := config.SetupLogger(cfg)
	if err != nil {
		slog.Error("Ошибка настройки логирования", slog.String("error", err.Error()))
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info("section-watcher запускается",
		slog.String("version", config.Version),
		slog.String("cred_store", cfg.CredStore),
		slog.String("mail_transport", cfg.MailTransport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Credential store
	store, storeCloser, err := openCredStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка открытия credential store", slog.String("error", err.Error()))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser.Close()
	}

	// 4. Параметры платформы
	platform, err := config.LoadPlatform(ctx, store)
	if err != nil {
		logger.Error("Ошибка загрузки параметров платформы", slog.String("error", err.Error()))
		return 1
	}

	// 5. Клиент identity-сервиса (проверка подписи access token — если задан JWKS URL)
	var verifier *authclient.Verifier
	if cfg.JWKSURL != "" {
		verifier, err = authclient.NewVerifier(cfg.JWKSURL, cfg.HTTPTimeout, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWKS", slog.String("error", err.Error()))
			return 1
		}
	}
	tokens := authclient.New(platform.AuthService, cfg.HTTPTimeout, verifier, logger)

	// 6. Клиент Valence API
	fetcher := bspaceclient.New(
		platform.BspaceURL, cfg.APIVersion,
		platform.SchemaID, platform.PluginID,
		cfg.HTTPTimeout, logger,
	)

	// 7. Отправка уведомлений
	sender, err := notify.NewSender(cfg, logger)
	if err != nil {
		logger.Error("Ошибка настройки отправки уведомлений", slog.String("error", err.Error()))
		return 1
	}
	dispatcher := notify.NewDispatcher(sender, platform.BspaceURL, platform.SendTo, platform.From, logger)

	// 8. Запуск
	pipeline := service.NewPipeline(cfg, platform, service.Deps{
		Tokens:     tokens,
		Fetcher:    fetcher,
		Detector:   detector.New(cfg.SuffixLength, cfg.RecencyWindow, logger),
		Dispatcher: dispatcher,
		Store:      store,
	}, logger)

	report, err := pipeline.Run(ctx)
	switch {
	case err == nil:
		logger.Info("section-watcher завершён",
			slog.String("run_id", report.RunID),
			slog.Int("duplicate_sections", len(report.Result.Records())),
			slog.Bool("alerted", report.Alerted),
		)
		return 0
	case service.IsSoftFailure(err):
		logger.Warn("Запуск пропущен, повтор при следующем запуске",
			slog.String("run_id", report.RunID),
			slog.String("error", err.Error()),
		)
		return 0
	case errors.Is(err, service.ErrTokenPersist):
		logger.Error("Новый refresh token не сохранён, требуется ручная повторная авторизация",
			slog.String("run_id", report.RunID),
			slog.String("error", err.Error()),
		)
		return 1
	default:
		logger.Error("Запуск завершён с ошибкой",
			slog.String("run_id", report.RunID),
			slog.String("error", err.Error()),
		)
		return 1
	}
}

// openCredStore открывает credential store согласно SW_CRED_STORE.
// Для postgres применяет миграции и возвращает пул как io.Closer.
func openCredStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (credstore.Store, io.Closer, error) {
	if cfg.CredStore == config.CredStoreEnvFile {
		store, err := credstore.OpenEnvFile(cfg.CredFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Credential store: dotenv-файл", slog.String("path", store.Path()))
		return store, nil, nil
	}

	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return nil, nil, err
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return credstore.NewPostgres(pool), closerFunc(pool.Close), nil
}

// closerFunc адаптирует func() к io.Closer.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

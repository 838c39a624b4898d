// bspace-twin — имитация identity-сервиса и Valence API платформы для локального
// стенда и e2e-проверок section-watcher. Выдаёт и ротирует refresh token,
// подписывает access token RSA ключом (JWKS на /core/.well-known/jwks) и
// отдаёт zip-архив с выгрузкой OrganizationalUnits.csv.
//
// Если задан TWIN_CRED_FILE, при старте в него записываются параметры
// платформы для section-watcher (dotenv).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bigkaa/section-watcher/internal/bspacetwin"
	"github.com/bigkaa/section-watcher/internal/config"
	"github.com/bigkaa/section-watcher/internal/server"
)

// twinConfig — конфигурация twin из env-переменных.
type twinConfig struct {
	Port         int    // TWIN_PORT (default: 8080)
	BaseURL      string // TWIN_BASE_URL — внешний URL для DownloadLink (default: http://localhost:{port})
	ClientID     string // TWIN_CLIENT_ID
	ClientSecret string // TWIN_CLIENT_SECRET
	RefreshToken string // TWIN_REFRESH_TOKEN — начальный refresh token
	SchemaID     string // TWIN_SCHEMA_ID
	PluginID     string // TWIN_PLUGIN_ID
	ExportFile   string // TWIN_EXPORT_FILE — CSV для архива (пусто — тестовая выгрузка)
	CredFile     string // TWIN_CRED_FILE — куда записать .env для section-watcher (пусто — не писать)
	SendTo       string // TWIN_SEND_TO
	LogLevel     string // TWIN_LOG_LEVEL (default: info)
}

func loadConfig() (twinConfig, error) {
	cfg := twinConfig{
		BaseURL:      os.Getenv("TWIN_BASE_URL"),
		ClientID:     envOrDefault("TWIN_CLIENT_ID", "section-watcher"),
		ClientSecret: envOrDefault("TWIN_CLIENT_SECRET", "twin-secret"),
		RefreshToken: envOrDefault("TWIN_REFRESH_TOKEN", "rt-initial"),
		SchemaID:     envOrDefault("TWIN_SCHEMA_ID", "c1bf7603-669f-4bef-8cf4-651b914c4678"),
		PluginID:     envOrDefault("TWIN_PLUGIN_ID", "07a9e561-e22f-4e82-8dd6-7bfb14c91776"),
		ExportFile:   os.Getenv("TWIN_EXPORT_FILE"),
		CredFile:     os.Getenv("TWIN_CRED_FILE"),
		SendTo:       envOrDefault("TWIN_SEND_TO", "edtech@example.edu"),
		LogLevel:     envOrDefault("TWIN_LOG_LEVEL", "info"),
	}

	port, err := strconv.Atoi(envOrDefault("TWIN_PORT", "8080"))
	if err != nil || port <= 0 || port > 65535 {
		return cfg, fmt.Errorf("TWIN_PORT: некорректный порт %q", os.Getenv("TWIN_PORT"))
	}
	cfg.Port = port
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", port)
	}
	return cfg, nil
}

// envOrDefault возвращает значение env-переменной или default.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	export := bspacetwin.SampleExport(time.Now())
	if cfg.ExportFile != "" {
		export, err = os.ReadFile(cfg.ExportFile)
		if err != nil {
			logger.Error("Ошибка чтения выгрузки", slog.String("path", cfg.ExportFile), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	archive, err := bspacetwin.BuildArchive(map[string][]byte{"OrganizationalUnits.csv": export})
	if err != nil {
		logger.Error("Ошибка упаковки архива", slog.String("error", err.Error()))
		os.Exit(1)
	}

	twin, err := bspacetwin.New(bspacetwin.Options{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
		SchemaID:     cfg.SchemaID,
		PluginID:     cfg.PluginID,
		Archive:      archive,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("Ошибка создания twin", slog.String("error", err.Error()))
		os.Exit(1)
	}
	twin.SetBaseURL(cfg.BaseURL)

	if cfg.CredFile != "" {
		if err := writeCredFile(cfg); err != nil {
			logger.Error("Ошибка записи credential-файла", slog.String("path", cfg.CredFile), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Credential-файл для section-watcher записан", slog.String("path", cfg.CredFile))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.New(server.Options{
		Port:            cfg.Port,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}, server.NewRouter(twin, reg, logger), logger)

	logger.Info("bspace-twin запускается",
		slog.String("version", config.Version),
		slog.String("base_url", cfg.BaseURL),
		slog.Int("archive_bytes", len(archive)),
	)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// writeCredFile записывает параметры платформы в dotenv-формате.
func writeCredFile(cfg twinConfig) error {
	return godotenv.Write(map[string]string{
		config.KeyBspaceURL:    cfg.BaseURL,
		config.KeyAuthService:  cfg.BaseURL,
		config.KeyClientID:     cfg.ClientID,
		config.KeyClientSecret: cfg.ClientSecret,
		config.KeyScope:        "datahub:dataexports:*",
		config.KeySchemaID:     cfg.SchemaID,
		config.KeyPluginID:     cfg.PluginID,
		config.KeyRefreshToken: cfg.RefreshToken,
		config.KeySendTo:       cfg.SendTo,
		config.KeyFrom:         "section-watcher@example.edu",
	}, cfg.CredFile)
}

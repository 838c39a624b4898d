// Пакет bspaceclient — скачивание выгрузки Data Hub через Valence API платформы.
// Находит последнюю выгрузку набора данных (schema/plugin) и потоково сохраняет
// архив на диск: запись во временный файл, fsync, атомарный rename.
package bspaceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// maxErrorBody — сколько байт тела ошибки включать в сообщение.
const maxErrorBody = 4096

var (
	// ErrFetchFailure — выгрузку не удалось получить (листинг или скачивание).
	ErrFetchFailure = errors.New("получение выгрузки не удалось")
	// ErrNoExtracts — набор данных не содержит ни одной выгрузки.
	ErrNoExtracts = errors.New("список выгрузок пуст")
)

// Client — клиент Valence API для наборов данных BDS.
type Client struct {
	baseURL    string
	apiVersion string
	schemaID   string
	pluginID   string
	timeout    time.Duration
	logger     *slog.Logger
}

// New создаёт клиент Valence API.
// bspaceURL — базовый URL платформы (например, https://lms.example.edu).
// apiVersion — версия LP API (SW_API_VERSION, по умолчанию 1.47).
// timeout — таймаут каждого HTTP-запроса (0 — без таймаута).
func New(bspaceURL, apiVersion, schemaID, pluginID string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(bspaceURL, "/"),
		apiVersion: apiVersion,
		schemaID:   schemaID,
		pluginID:   pluginID,
		timeout:    timeout,
		logger:     logger.With(slog.String("component", "bspace_client")),
	}
}

// ExtractsURL возвращает URL листинга выгрузок набора данных.
func (c *Client) ExtractsURL() string {
	return fmt.Sprintf("%s/d2l/api/lp/%s/datasets/bds/%s/plugins/%s/extracts",
		c.baseURL, c.apiVersion, c.schemaID, c.pluginID)
}

// Fetch скачивает последнюю выгрузку в destPath и возвращает путь к файлу.
// Существующий файл перезаписывается. При ошибке destPath не изменяется.
// Все ошибки оборачиваются в ErrFetchFailure.
func (c *Client) Fetch(ctx context.Context, accessToken, destPath string) (string, error) {
	httpClient := c.httpClient(ctx, accessToken)

	extract, err := c.latestExtract(ctx, httpClient)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailure, err)
	}

	c.logger.Info("Выгрузка найдена",
		slog.String("extract_id", extract.ExtractID),
		slog.String("bds_type", extract.BdsType),
		slog.String("created", extract.CreatedDate),
		slog.Int64("size", extract.DownloadSize),
	)

	written, err := c.download(ctx, httpClient, extract.DownloadLink, destPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailure, err)
	}

	c.logger.Info("Выгрузка скачана",
		slog.String("path", destPath),
		slog.Int64("bytes", written),
	)
	return destPath, nil
}

// httpClient создаёт HTTP-клиент, подставляющий Bearer токен в каждый запрос.
func (c *Client) httpClient(ctx context.Context, accessToken string) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = c.timeout
	return client
}

// latestExtract возвращает первый объект листинга. Порядок задаёт платформа
// (новейшая выгрузка первой), повторной сортировки нет.
func (c *Client) latestExtract(ctx context.Context, httpClient *http.Client) (*model.Extract, error) {
	reqURL := c.ExtractsURL()

	resp, err := c.get(ctx, httpClient, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page model.ExtractPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("декодирование списка выгрузок: %w", err)
	}

	if len(page.Objects) == 0 {
		return nil, ErrNoExtracts
	}

	extract := page.Objects[0]
	if extract.DownloadLink == "" {
		return nil, fmt.Errorf("выгрузка %s без DownloadLink", extract.ExtractID)
	}
	return &extract, nil
}

// download потоково записывает ответ в destPath через временный файл.
func (c *Client) download(ctx context.Context, httpClient *http.Client, link, destPath string) (int64, error) {
	resp, err := c.get(ctx, httpClient, link)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return 0, fmt.Errorf("создание каталога %s: %w", filepath.Dir(destPath), err)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // G304: путь из конфигурации
	if err != nil {
		return 0, fmt.Errorf("создание временного файла: %w", err)
	}

	written, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("запись архива: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fsync архива: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("закрытие временного файла: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("переименование %s → %s: %w", tmpPath, destPath, err)
	}

	return written, nil
}

// get выполняет GET и проверяет статус 2xx. При успехе вызывающий код закрывает resp.Body.
func (c *Client) get(ctx context.Context, httpClient *http.Client, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", reqURL, err)
	}

	resp, err := httpClient.Do(req) //nolint:gosec // G704: URL из credential store и ответа платформы
	if err != nil {
		return nil, fmt.Errorf("запрос к %s: %w", reqURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("%s вернул статус %d: %s", reqURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}

// pipeline.go — один запуск section-watcher:
// ротация refresh token → сохранение → скачивание выгрузки → распаковка →
// поиск дублей → снимок → уведомление.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/bigkaa/section-watcher/internal/archive"
	"github.com/bigkaa/section-watcher/internal/authclient"
	"github.com/bigkaa/section-watcher/internal/bspaceclient"
	"github.com/bigkaa/section-watcher/internal/config"
	"github.com/bigkaa/section-watcher/internal/detector"
	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// Ошибки запуска.
var (
	// ErrAuthFailure — ротация refresh token не удалась. Запуск прерывается.
	ErrAuthFailure = authclient.ErrAuthFailure
	// ErrTokenPersist — новый refresh token не сохранён. Старый уже недействителен,
	// поэтому это фатальная ошибка, требующая ручного вмешательства.
	ErrTokenPersist = errors.New("новый refresh token не сохранён")
	// ErrFetchFailure — выгрузка не получена. Запуск завершается с предупреждением.
	ErrFetchFailure = bspaceclient.ErrFetchFailure
	// ErrExportUnavailable — архив не распакован или выгрузка не прочитана.
	ErrExportUnavailable = errors.New("выгрузка недоступна")
)

// IsSoftFailure сообщает, что запуск прерван без ущерба для состояния:
// токен сохранён, следующий запуск повторит попытку.
func IsSoftFailure(err error) bool {
	return errors.Is(err, ErrFetchFailure) || errors.Is(err, ErrExportUnavailable)
}

// TokenRotator — ротация refresh token (authclient.Client).
type TokenRotator interface {
	Rotate(ctx context.Context, ts *model.TokenSet) (*oauth2.Token, error)
}

// ReportFetcher — скачивание выгрузки (bspaceclient.Client).
type ReportFetcher interface {
	Fetch(ctx context.Context, accessToken, destPath string) (string, error)
}

// AlertDispatcher — отправка уведомления (notify.Dispatcher).
type AlertDispatcher interface {
	Dispatch(ctx context.Context, records []model.OrgUnitRecord) bool
}

// TokenStore — запись ротированного refresh token (credstore.Store).
type TokenStore interface {
	Set(ctx context.Context, key, value string) error
}

// Deps — компоненты запуска.
type Deps struct {
	Tokens     TokenRotator
	Fetcher    ReportFetcher
	Detector   *detector.Detector
	Dispatcher AlertDispatcher
	Store      TokenStore
	Metrics    *Metrics
}

// Report — итог запуска.
type Report struct {
	RunID   string
	Rotated bool
	Fetched bool
	Result  detector.Result
	Alerted bool
}

// Pipeline выполняет один запуск.
type Pipeline struct {
	cfg      *config.Config
	platform *config.Platform
	deps     Deps
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline создаёт pipeline. Если deps.Metrics == nil, создаются новые метрики.
func NewPipeline(cfg *config.Config, platform *config.Platform, deps Deps, logger *slog.Logger) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	return &Pipeline{
		cfg:      cfg,
		platform: platform,
		deps:     deps,
		logger:   logger.With(slog.String("component", "pipeline")),
		now:      time.Now,
	}
}

// Run выполняет запуск. Ошибка с ErrAuthFailure, ErrTokenPersist или ErrRunInProgress
// означает аварийное завершение; IsSoftFailure(err) — штатный пропуск запуска.
// Отсутствие дублей и ошибка отправки уведомления ошибкой не считаются.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	started := p.now()
	report := &Report{RunID: uuid.NewString()}
	logger := p.logger.With(slog.String("run_id", report.RunID))
	m := p.deps.Metrics

	defer func() {
		m.lastRun.Set(float64(p.now().Unix()))
		m.runDuration.Set(p.now().Sub(started).Seconds())
		if err := m.WriteTextfile(p.cfg.MetricsFile); err != nil {
			logger.Warn("Метрики не записаны", slog.String("error", err.Error()))
		}
	}()
	m.runSuccess.Set(0)

	logger.Info("Запуск начат")

	if err := os.MkdirAll(p.cfg.WorkDir, 0o750); err != nil {
		m.StageFailed(StageLock)
		return report, fmt.Errorf("создание рабочей директории %s: %w", p.cfg.WorkDir, err)
	}
	release, err := acquireLock(p.cfg.LockPath())
	if err != nil {
		m.StageFailed(StageLock)
		return report, err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("Lock-файл не удалён", slog.String("error", err.Error()))
		}
	}()

	// 1. Ротация и немедленное сохранение refresh token
	ts := &model.TokenSet{
		ClientID:     p.platform.ClientID,
		ClientSecret: p.platform.ClientSecret,
		Scope:        p.platform.Scope,
		RefreshToken: p.platform.RefreshToken,
	}
	_, rotateErr := p.deps.Tokens.Rotate(ctx, ts)
	if rotateErr != nil {
		m.StageFailed(StageRotate)
		// Обмен мог пройти до ошибки (например, подпись не подтверждена):
		// старый токен уже погашен, новый сохраняется до выхода.
		if !ts.Rotated {
			return report, rotateErr
		}
	}
	report.Rotated = ts.Rotated
	m.tokenRotations.Inc()

	if err := p.deps.Store.Set(ctx, config.KeyRefreshToken, ts.RefreshToken); err != nil {
		m.StageFailed(StagePersist)
		return report, fmt.Errorf("%w: %w", ErrTokenPersist, err)
	}
	p.platform.RefreshToken = ts.RefreshToken
	logger.Info("Новый refresh token сохранён")
	if rotateErr != nil {
		return report, rotateErr
	}

	// 2. Выгрузка
	if _, err := p.deps.Fetcher.Fetch(ctx, ts.AccessToken, p.cfg.ArchivePath()); err != nil {
		m.StageFailed(StageFetch)
		logger.Warn("Выгрузка не получена, запуск завершён без анализа",
			slog.String("error", err.Error()),
		)
		return report, err
	}
	report.Fetched = true

	// Выгрузка прошлого запуска не должна подменить отсутствующую в новом архиве
	if err := os.Remove(p.cfg.ExportPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.StageFailed(StageExtract)
		logger.Warn("Прежняя выгрузка не удалена", slog.String("error", err.Error()))
		return report, fmt.Errorf("%w: %w", ErrExportUnavailable, err)
	}

	files, err := archive.ExtractZip(p.cfg.ArchivePath(), p.cfg.WorkDir)
	if err != nil {
		m.StageFailed(StageExtract)
		logger.Warn("Архив не распакован", slog.String("error", err.Error()))
		return report, fmt.Errorf("%w: %w", ErrExportUnavailable, err)
	}
	logger.Debug("Архив распакован", slog.Int("files", len(files)))

	rows, err := detector.ReadExport(p.cfg.ExportPath())
	if err != nil {
		m.StageFailed(StageRead)
		logger.Warn("Выгрузка не прочитана", slog.String("error", err.Error()))
		return report, fmt.Errorf("%w: %w", ErrExportUnavailable, err)
	}

	// 3. Поиск дублей
	res := p.deps.Detector.Detect(rows, p.now().UTC())
	report.Result = res
	m.runSuccess.Set(1)
	m.exportRows.WithLabelValues("total").Set(float64(res.TotalRows))
	m.exportRows.WithLabelValues("dropped").Set(float64(res.DroppedRows))
	m.exportRows.WithLabelValues("unique").Set(float64(res.UniqueCodes))
	m.duplicateGroups.WithLabelValues("all").Set(float64(res.DuplicateGroups))
	m.duplicateGroups.WithLabelValues("recent").Set(float64(len(res.Groups)))

	if err := detector.WriteSnapshot(p.cfg.SnapshotPath(), res.Groups, p.deps.Detector.SuffixLength); err != nil {
		m.StageFailed(StageSnapshot)
		logger.Warn("Снимок дублей не записан", slog.String("error", err.Error()))
	}

	if res.Empty() {
		m.alertedSections.Set(0)
		logger.Info("Дубликаты секций не найдены",
			slog.Int("total_rows", res.TotalRows),
		)
		return report, nil
	}

	// 4. Уведомление
	records := res.Records()
	m.alertedSections.Set(float64(len(records)))
	logger.Info("Найдены недавние дубликаты секций",
		slog.Int("groups", len(res.Groups)),
		slog.Int("sections", len(records)),
	)

	if p.deps.Dispatcher.Dispatch(ctx, records) {
		report.Alerted = true
		m.alertsSent.Inc()
	} else {
		m.StageFailed(StageNotify)
	}

	logger.Info("Запуск завершён",
		slog.Bool("alerted", report.Alerted),
		slog.Duration("duration", p.now().Sub(started)),
	)
	return report, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/section-watcher/internal/authclient"
	"github.com/bigkaa/section-watcher/internal/bspaceclient"
	"github.com/bigkaa/section-watcher/internal/bspacetwin"
	"github.com/bigkaa/section-watcher/internal/config"
	"github.com/bigkaa/section-watcher/internal/detector"
	"github.com/bigkaa/section-watcher/internal/notify"
)

const (
	codeABC = "2024-AB-D01-WXYZ-1P01-S01-ABC"
	codeABD = "2024-AB-D01-WXYZ-1P01-S01-ABD"
)

// --- Моки ---

// mockStore — мок TokenStore.
type mockStore struct {
	setFn  func(ctx context.Context, key, value string) error
	values map[string]string
	calls  int
}

func (m *mockStore) Set(ctx context.Context, key, value string) error {
	m.calls++
	if m.setFn != nil {
		if err := m.setFn(ctx, key, value); err != nil {
			return err
		}
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}

// mockSender — мок notify.Sender.
type mockSender struct {
	sendFn func(ctx context.Context, bodyHTML, to, from string) error
	bodies []string
}

func (m *mockSender) Send(ctx context.Context, bodyHTML, to, from string) error {
	m.bodies = append(m.bodies, bodyHTML)
	if m.sendFn != nil {
		return m.sendFn(ctx, bodyHTML, to, from)
	}
	return nil
}

// mockFetcher — мок ReportFetcher.
type mockFetcher struct {
	calls int
}

func (m *mockFetcher) Fetch(_ context.Context, _, destPath string) (string, error) {
	m.calls++
	return destPath, nil
}

// --- Окружение ---

type pipelineEnv struct {
	twin     *bspacetwin.Twin
	srv      *httptest.Server
	cfg      *config.Config
	platform *config.Platform
	store    *mockStore
	sender   *mockSender
	deps     Deps
}

// exportCSV формирует OrganizationalUnits.csv с двумя дублями, созданными created.
func exportCSV(created time.Time) []byte {
	ts := created.UTC().Format("2006-01-02T15:04:05.000Z")
	return []byte("OrgUnitId,Organization,Type,Name,Code,IsActive,CreatedDate\n" +
		"101,6606,Course Offering,Intro A," + codeABC + ",True," + ts + "\n" +
		"102,6606,Course Offering,Intro B," + codeABD + ",True," + ts + "\n" +
		"103,6606,Course Offering,Sandbox,SANDBOX-1,True," + ts + "\n")
}

func newPipelineEnv(t *testing.T, export []byte) *pipelineEnv {
	t.Helper()

	archive, err := bspacetwin.BuildArchive(map[string][]byte{"OrganizationalUnits.csv": export})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	twin, err := bspacetwin.New(bspacetwin.Options{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "rt-initial",
		SchemaID:     "schema-1",
		PluginID:     "plugin-1",
		Archive:      archive,
	})
	if err != nil {
		t.Fatalf("bspacetwin.New: %v", err)
	}
	srv := httptest.NewServer(twin.Handler())
	t.Cleanup(srv.Close)
	twin.SetBaseURL(srv.URL)

	dir := t.TempDir()
	cfg := &config.Config{
		WorkDir:       filepath.Join(dir, "files"),
		ArchiveName:   "org_units.zip",
		ExportName:    "OrganizationalUnits.csv",
		SnapshotName:  "recent_duplicates_output.csv",
		APIVersion:    "1.47",
		HTTPTimeout:   10 * time.Second,
		SuffixLength:  4,
		RecencyWindow: 7 * 24 * time.Hour,
		MetricsFile:   filepath.Join(dir, "section_watcher.prom"),
	}
	platform := &config.Platform{
		BspaceURL:    srv.URL,
		AuthService:  srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		Scope:        "datahub:dataexports:*",
		SchemaID:     "schema-1",
		PluginID:     "plugin-1",
		RefreshToken: "rt-initial",
		SendTo:       "edtech@example.edu",
		From:         "watcher@example.edu",
	}

	logger := slog.Default()
	store := &mockStore{}
	sender := &mockSender{}

	return &pipelineEnv{
		twin:     twin,
		srv:      srv,
		cfg:      cfg,
		platform: platform,
		store:    store,
		sender:   sender,
		deps: Deps{
			Tokens:     authclient.New(platform.AuthService, cfg.HTTPTimeout, nil, logger),
			Fetcher:    bspaceclient.New(platform.BspaceURL, cfg.APIVersion, platform.SchemaID, platform.PluginID, cfg.HTTPTimeout, logger),
			Detector:   detector.New(cfg.SuffixLength, cfg.RecencyWindow, logger),
			Dispatcher: notify.NewDispatcher(sender, platform.BspaceURL, platform.SendTo, platform.From, logger),
			Store:      store,
		},
	}
}

func (e *pipelineEnv) pipeline() *Pipeline {
	return NewPipeline(e.cfg, e.platform, e.deps, slog.Default())
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("чтение %s: %v", path, err)
	}
	return string(data)
}

// --- Тесты ---

// TestRun_RecentDuplicatesAlert — дубли двухдневной давности дают одно письмо с двумя строками.
func TestRun_RecentDuplicatesAlert(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now().Add(-48*time.Hour)))

	report, err := env.pipeline().Run(context.Background())
	if err != nil {
		t.Fatalf("Run ошибка: %v", err)
	}

	if report.RunID == "" {
		t.Error("RunID пустой")
	}
	if !report.Rotated || !report.Fetched || !report.Alerted {
		t.Errorf("report = %+v, ожидались Rotated, Fetched, Alerted", report)
	}

	// Новый refresh token сохранён и совпадает с действующим на платформе
	if env.store.calls != 1 {
		t.Errorf("вызовов Set = %d, ожидался 1", env.store.calls)
	}
	saved := env.store.values[config.KeyRefreshToken]
	if saved == "" || saved == "rt-initial" {
		t.Errorf("сохранён refresh token %q", saved)
	}
	if saved != env.twin.RefreshToken() {
		t.Errorf("сохранён %q, платформа ожидает %q", saved, env.twin.RefreshToken())
	}
	if env.platform.RefreshToken != saved {
		t.Errorf("Platform.RefreshToken = %q, ожидался %q", env.platform.RefreshToken, saved)
	}

	// Письмо
	if len(env.sender.bodies) != 1 {
		t.Fatalf("писем = %d, ожидалось 1", len(env.sender.bodies))
	}
	body := env.sender.bodies[0]
	for _, want := range []string{
		env.srv.URL + "/d2l/home/101 - " + codeABC,
		env.srv.URL + "/d2l/home/102 - " + codeABD,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("письмо не содержит %q", want)
		}
	}
	if strings.Contains(body, "SANDBOX") {
		t.Error("письмо содержит строку с некорректным кодом")
	}

	// Снимок
	snapshot := readFile(t, env.cfg.SnapshotPath())
	lines := strings.Split(strings.TrimSpace(snapshot), "\n")
	if len(lines) != 3 {
		t.Errorf("строк снимка = %d, ожидалось 3:\n%s", len(lines), snapshot)
	}

	// Метрики
	metrics := readFile(t, env.cfg.MetricsFile)
	for _, want := range []string{
		"sw_token_rotations_total 1",
		"sw_alerts_sent_total 1",
		"sw_alerted_sections 2",
		"sw_last_run_success 1",
		`sw_export_rows{kind="dropped"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("метрики не содержат %q", want)
		}
	}

	// Lock-файл освобождён
	if _, err := os.Stat(env.cfg.LockPath()); !os.IsNotExist(err) {
		t.Error("lock-файл не удалён")
	}
}

// TestRun_StaleDuplicatesNoAlert — дубли месячной давности не дают уведомления.
func TestRun_StaleDuplicatesNoAlert(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now().Add(-30*24*time.Hour)))

	report, err := env.pipeline().Run(context.Background())
	if err != nil {
		t.Fatalf("Run ошибка: %v", err)
	}
	if report.Alerted {
		t.Error("уведомление отправлено для старых дублей")
	}
	if len(env.sender.bodies) != 0 {
		t.Errorf("писем = %d, ожидалось 0", len(env.sender.bodies))
	}
	if report.Result.DuplicateGroups != 1 {
		t.Errorf("DuplicateGroups = %d, ожидалась 1", report.Result.DuplicateGroups)
	}

	snapshot := readFile(t, env.cfg.SnapshotPath())
	if strings.TrimSpace(snapshot) != "Code,CreatedDate,OrgUnitId,ModifiedCode" {
		t.Errorf("снимок = %q, ожидался только заголовок", snapshot)
	}
	if env.store.calls != 1 {
		t.Errorf("вызовов Set = %d, ожидался 1", env.store.calls)
	}
}

// TestRun_AuthFailure — отказ identity-сервиса прерывает запуск до сохранения и скачивания.
func TestRun_AuthFailure(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now()))
	env.platform.ClientSecret = "wrong"
	fetcher := &mockFetcher{}
	env.deps.Fetcher = fetcher

	_, err := env.pipeline().Run(context.Background())
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("ошибка = %v, ожидалась ErrAuthFailure", err)
	}
	if IsSoftFailure(err) {
		t.Error("ошибка аутентификации не должна быть мягкой")
	}
	if env.store.calls != 0 {
		t.Errorf("вызовов Set = %d, ожидалось 0", env.store.calls)
	}
	if fetcher.calls != 0 {
		t.Errorf("вызовов Fetch = %d, ожидалось 0", fetcher.calls)
	}
	if env.twin.RefreshToken() != "rt-initial" {
		t.Error("refresh token на платформе изменился")
	}

	metrics := readFile(t, env.cfg.MetricsFile)
	if !strings.Contains(metrics, `sw_stage_failures_total{stage="rotate"} 1`) {
		t.Errorf("метрики без ошибки rotate:\n%s", metrics)
	}
}

// TestRun_PersistFailure — ошибка сохранения токена фатальна, скачивания нет.
func TestRun_PersistFailure(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now()))
	env.store.setFn = func(context.Context, string, string) error {
		return errors.New("диск заполнен")
	}
	fetcher := &mockFetcher{}
	env.deps.Fetcher = fetcher

	report, err := env.pipeline().Run(context.Background())
	if !errors.Is(err, ErrTokenPersist) {
		t.Fatalf("ошибка = %v, ожидалась ErrTokenPersist", err)
	}
	if !report.Rotated {
		t.Error("Rotated = false, хотя ротация прошла")
	}
	if fetcher.calls != 0 {
		t.Errorf("вызовов Fetch = %d, ожидалось 0", fetcher.calls)
	}
}

// TestRun_FetchFailure — ошибка листинга завершает запуск мягко, токен уже сохранён.
func TestRun_FetchFailure(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now()))
	env.twin.FailNext(bspacetwin.EndpointExtracts, http.StatusServiceUnavailable)

	report, err := env.pipeline().Run(context.Background())
	if !errors.Is(err, ErrFetchFailure) {
		t.Fatalf("ошибка = %v, ожидалась ErrFetchFailure", err)
	}
	if !IsSoftFailure(err) {
		t.Error("ошибка скачивания должна быть мягкой")
	}
	if report.Fetched {
		t.Error("Fetched = true")
	}
	if env.store.values[config.KeyRefreshToken] != env.twin.RefreshToken() {
		t.Error("новый refresh token не сохранён до скачивания")
	}
	if _, err := os.Stat(env.cfg.SnapshotPath()); !os.IsNotExist(err) {
		t.Error("снимок записан без выгрузки")
	}
	if len(env.sender.bodies) != 0 {
		t.Error("письмо отправлено без выгрузки")
	}
}

// TestRun_NoExtracts — пустой список выгрузок тоже мягкая ошибка.
func TestRun_NoExtracts(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now()))
	env.twin.ClearExtracts()

	_, err := env.pipeline().Run(context.Background())
	if !errors.Is(err, bspaceclient.ErrNoExtracts) || !IsSoftFailure(err) {
		t.Fatalf("ошибка = %v, ожидалась мягкая ErrNoExtracts", err)
	}
}

// TestRun_ExportMissingInArchive — архив без OrganizationalUnits.csv.
func TestRun_ExportMissingInArchive(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now()))
	archive, err := bspacetwin.BuildArchive(map[string][]byte{"Other.csv": []byte("a,b\n")})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}
	env.twin.SetArchive(archive)

	_, err = env.pipeline().Run(context.Background())
	if !errors.Is(err, ErrExportUnavailable) {
		t.Fatalf("ошибка = %v, ожидалась ErrExportUnavailable", err)
	}
}

// TestRun_CorruptArchive — повреждённый архив.
func TestRun_CorruptArchive(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now()))
	env.twin.SetArchive([]byte("not a zip"))

	_, err := env.pipeline().Run(context.Background())
	if !errors.Is(err, ErrExportUnavailable) {
		t.Fatalf("ошибка = %v, ожидалась ErrExportUnavailable", err)
	}
}

// TestRun_NotificationFailure — ошибка доставки не прерывает запуск.
func TestRun_NotificationFailure(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now().Add(-24*time.Hour)))
	env.sender.sendFn = func(context.Context, string, string, string) error {
		return errors.New("sendmail: exit status 75")
	}

	report, err := env.pipeline().Run(context.Background())
	if err != nil {
		t.Fatalf("Run ошибка: %v", err)
	}
	if report.Alerted {
		t.Error("Alerted = true при ошибке доставки")
	}
	if len(report.Result.Groups) != 1 {
		t.Errorf("групп = %d, ожидалась 1", len(report.Result.Groups))
	}

	metrics := readFile(t, env.cfg.MetricsFile)
	if !strings.Contains(metrics, `sw_stage_failures_total{stage="notify"} 1`) {
		t.Errorf("метрики без ошибки notify:\n%s", metrics)
	}
}

// TestRun_LockHeld — параллельный запуск не ротирует токен.
func TestRun_LockHeld(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now()))
	if err := os.MkdirAll(env.cfg.WorkDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(env.cfg.LockPath(), []byte("4242\n"), 0o600); err != nil {
		t.Fatalf("запись lock: %v", err)
	}

	_, err := env.pipeline().Run(context.Background())
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("ошибка = %v, ожидалась ErrRunInProgress", err)
	}
	if !strings.Contains(err.Error(), "4242") {
		t.Errorf("ошибка = %q, ожидался PID владельца", err.Error())
	}
	if env.twin.Rotations() != 0 {
		t.Errorf("ротаций = %d, ожидалось 0", env.twin.Rotations())
	}
}

// TestRun_SecondRunUsesNewToken — следующий запуск работает с сохранённым токеном.
func TestRun_SecondRunUsesNewToken(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now().Add(-30*24*time.Hour)))

	if _, err := env.pipeline().Run(context.Background()); err != nil {
		t.Fatalf("первый запуск: %v", err)
	}
	if _, err := env.pipeline().Run(context.Background()); err != nil {
		t.Fatalf("второй запуск: %v", err)
	}
	if env.twin.Rotations() != 2 {
		t.Errorf("ротаций = %d, ожидалось 2", env.twin.Rotations())
	}
}

// TestRun_UnverifiedTokenStillPersisted — подпись access token не подтверждена,
// но новый refresh token уже выдан: он сохраняется, запуск прерывается.
func TestRun_UnverifiedTokenStillPersisted(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now()))

	// JWKS другого twin: подпись токена env.twin не сойдётся
	foreign, err := bspacetwin.New(bspacetwin.Options{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "rt-foreign",
		SchemaID:     "schema-1",
		PluginID:     "plugin-1",
		KeySize:      1024,
	})
	if err != nil {
		t.Fatalf("bspacetwin.New: %v", err)
	}
	foreignSrv := httptest.NewServer(foreign.Handler())
	t.Cleanup(foreignSrv.Close)

	verifier, err := authclient.NewVerifier(foreignSrv.URL+"/core/.well-known/jwks", 5*time.Second, slog.Default())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	env.deps.Tokens = authclient.New(env.platform.AuthService, env.cfg.HTTPTimeout, verifier, slog.Default())
	fetcher := &mockFetcher{}
	env.deps.Fetcher = fetcher

	report, err := env.pipeline().Run(context.Background())
	if !errors.Is(err, ErrAuthFailure) || !errors.Is(err, authclient.ErrTokenUnverified) {
		t.Fatalf("ошибка = %v, ожидались ErrAuthFailure и ErrTokenUnverified", err)
	}
	if IsSoftFailure(err) {
		t.Error("непроверенный токен не должен быть мягкой ошибкой")
	}
	if !report.Rotated {
		t.Error("Rotated = false, хотя платформа выдала новый токен")
	}
	saved := env.store.values[config.KeyRefreshToken]
	if saved == "" || saved != env.twin.RefreshToken() {
		t.Errorf("сохранён %q, платформа ожидает %q", saved, env.twin.RefreshToken())
	}
	if env.platform.RefreshToken != saved {
		t.Errorf("Platform.RefreshToken = %q, ожидался %q", env.platform.RefreshToken, saved)
	}
	if fetcher.calls != 0 {
		t.Errorf("вызовов Fetch = %d, ожидалось 0", fetcher.calls)
	}

	// Следующий запуск без проверки подписи проходит с сохранённым токеном
	env.store.calls = 0
	env.deps.Tokens = authclient.New(env.platform.AuthService, env.cfg.HTTPTimeout, nil, slog.Default())
	env.deps.Fetcher = bspaceclient.New(env.platform.BspaceURL, env.cfg.APIVersion, env.platform.SchemaID, env.platform.PluginID, env.cfg.HTTPTimeout, slog.Default())
	if _, err := env.pipeline().Run(context.Background()); err != nil {
		t.Fatalf("повторный запуск: %v", err)
	}
}

// TestRun_StaleExportNotReused — архив без выгрузки после успешного запуска:
// файл прошлого запуска не анализируется повторно.
func TestRun_StaleExportNotReused(t *testing.T) {
	env := newPipelineEnv(t, exportCSV(time.Now().Add(-24*time.Hour)))

	if _, err := env.pipeline().Run(context.Background()); err != nil {
		t.Fatalf("первый запуск: %v", err)
	}
	if _, err := os.Stat(env.cfg.ExportPath()); err != nil {
		t.Fatalf("выгрузка первого запуска отсутствует: %v", err)
	}

	archive, err := bspacetwin.BuildArchive(map[string][]byte{"Other.csv": []byte("a,b\n")})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}
	env.twin.SetArchive(archive)

	_, err = env.pipeline().Run(context.Background())
	if !errors.Is(err, ErrExportUnavailable) {
		t.Fatalf("ошибка = %v, ожидалась ErrExportUnavailable", err)
	}
	if len(env.sender.bodies) != 1 {
		t.Errorf("писем = %d, ожидалось 1 (только первый запуск)", len(env.sender.bodies))
	}
	if _, err := os.Stat(env.cfg.ExportPath()); !os.IsNotExist(err) {
		t.Error("выгрузка прошлого запуска осталась в рабочем каталоге")
	}
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	release, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock ошибка: %v", err)
	}
	if _, err := acquireLock(path); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("повторный acquireLock: ошибка = %v, ожидалась ErrRunInProgress", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release ошибка: %v", err)
	}

	release2, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock после release: %v", err)
	}
	_ = release2()
}

func TestIsSoftFailure(t *testing.T) {
	if IsSoftFailure(nil) {
		t.Error("nil не мягкая ошибка")
	}
	if !IsSoftFailure(fmt.Errorf("%w: архив повреждён", ErrExportUnavailable)) {
		t.Error("ErrExportUnavailable — мягкая ошибка")
	}
	if IsSoftFailure(ErrTokenPersist) {
		t.Error("ErrTokenPersist — не мягкая ошибка")
	}
}

// Проверка совместимости с интерфейсами.
var (
	_ TokenRotator    = (*authclient.Client)(nil)
	_ ReportFetcher   = (*bspaceclient.Client)(nil)
	_ AlertDispatcher = (*notify.Dispatcher)(nil)
	_ notify.Sender   = (*mockSender)(nil)
)

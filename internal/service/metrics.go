// metrics.go — метрики запуска section-watcher.
// Процесс живёт один запуск и не обслуживает /metrics: метрики регистрируются
// в собственном registry и в конце запуска записываются в textfile
// для textfile collector node_exporter.
package service

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Этапы запуска для лейбла stage.
const (
	StageLock     = "lock"
	StageRotate   = "rotate"
	StagePersist  = "persist"
	StageFetch    = "fetch"
	StageExtract  = "extract"
	StageRead     = "read"
	StageSnapshot = "snapshot"
	StageNotify   = "notify"
)

// Metrics — метрики одного запуска.
type Metrics struct {
	registry *prometheus.Registry

	lastRun         prometheus.Gauge
	runDuration     prometheus.Gauge
	runSuccess      prometheus.Gauge
	stageFailures   *prometheus.CounterVec
	tokenRotations  prometheus.Counter
	exportRows      *prometheus.GaugeVec
	duplicateGroups *prometheus.GaugeVec
	alertedSections prometheus.Gauge
	alertsSent      prometheus.Counter
}

// NewMetrics создаёт метрики в отдельном registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "sw_last_run_timestamp_seconds",
			Help: "Время завершения последнего запуска (unix).",
		}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "sw_run_duration_seconds",
			Help: "Длительность последнего запуска.",
		}),
		runSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "sw_last_run_success",
			Help: "1 — последний запуск дошёл до детектора, 0 — прерван.",
		}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_stage_failures_total",
			Help: "Ошибки по этапам запуска.",
		}, []string{"stage"}),
		tokenRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "sw_token_rotations_total",
			Help: "Успешные ротации refresh token.",
		}),
		exportRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sw_export_rows",
			Help: "Строки выгрузки: total — всего, dropped — отброшены валидацией, unique — уникальные коды.",
		}, []string{"kind"}),
		duplicateGroups: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sw_duplicate_groups",
			Help: "Группы дублей: all — до фильтра свежести, recent — после.",
		}, []string{"window"}),
		alertedSections: f.NewGauge(prometheus.GaugeOpts{
			Name: "sw_alerted_sections",
			Help: "Секций в уведомлении последнего запуска.",
		}),
		alertsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sw_alerts_sent_total",
			Help: "Отправленные уведомления.",
		}),
	}
}

// Registry возвращает registry метрик.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StageFailed увеличивает счётчик ошибок этапа.
func (m *Metrics) StageFailed(stage string) {
	m.stageFailures.WithLabelValues(stage).Inc()
}

// WriteTextfile записывает метрики в файл в текстовом формате Prometheus.
// Пустой путь — ничего не делает.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("запись метрик в %s: %w", path, err)
	}
	return nil
}

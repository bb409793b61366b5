package zrtp

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics собирает и экспортирует Prometheus метрики движка.
// Все операции thread-safe; коллектор создается лениво один раз
// на процесс и регистрируется в default registry.
type engineMetrics struct {
	negotiationsTotal   *prometheus.CounterVec
	negotiationsSecured prometheus.Counter
	negotiationFailures *prometheus.CounterVec
	securedChannels     prometheus.Gauge
	negotiationDuration prometheus.Histogram
	goClearTransitions  *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *engineMetrics
)

// getMetrics возвращает коллектор метрик движка
func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &engineMetrics{
			negotiationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "secure_media",
				Subsystem: "zrtp",
				Name:      "negotiations_total",
				Help:      "Количество запущенных согласований по типу канала",
			}, []string{"mode"}),
			negotiationsSecured: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "secure_media",
				Subsystem: "zrtp",
				Name:      "negotiations_secured_total",
				Help:      "Количество согласований, достигших состояния secured",
			}),
			negotiationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "secure_media",
				Subsystem: "zrtp",
				Name:      "negotiation_failures_total",
				Help:      "Количество отказов согласования по причинам",
			}, []string{"reason"}),
			securedChannels: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "secure_media",
				Subsystem: "zrtp",
				Name:      "secured_channels",
				Help:      "Текущее количество защищенных каналов",
			}),
			negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: "secure_media",
				Subsystem: "zrtp",
				Name:      "negotiation_duration_seconds",
				Help:      "Длительность согласования до состояния secured",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			}),
			goClearTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "secure_media",
				Subsystem: "zrtp",
				Name:      "goclear_transitions_total",
				Help:      "Количество переходов GoClear подпротокола по целевым состояниям",
			}, []string{"state"}),
		}
	})
	return metricsInstance
}

func (m *engineMetrics) negotiationStarted(multistream bool) {
	mode := "dh"
	if multistream {
		mode = "multistream"
	}
	m.negotiationsTotal.WithLabelValues(mode).Inc()
}

func (m *engineMetrics) negotiationSecured(elapsed time.Duration) {
	m.negotiationsSecured.Inc()
	m.securedChannels.Inc()
	m.negotiationDuration.Observe(elapsed.Seconds())
}

func (m *engineMetrics) negotiationFailed(code ErrorCode) {
	m.negotiationFailures.WithLabelValues(code.String()).Inc()
}

func (m *engineMetrics) channelClosed() {
	m.securedChannels.Dec()
}

func (m *engineMetrics) goClearTransition(state string) {
	m.goClearTransitions.WithLabelValues(state).Inc()
}

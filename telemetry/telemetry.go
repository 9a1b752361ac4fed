// Package telemetry exports training progress as Prometheus metrics.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics holds the collectors of one training run on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	loss          *prometheus.GaugeVec
	iterations    *prometheus.CounterVec
	epochDuration *prometheus.GaugeVec
	epoch         prometheus.Gauge
	lr            prometheus.Gauge
	debugErrors   prometheus.Counter
}

// New registers the training collectors. constLabels (for example the
// experiment id) are attached to every series.
func New(constLabels prometheus.Labels) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "ctdet_loss",
			Help:        "Epoch average of each reported loss term",
			ConstLabels: constLabels,
		}, []string{"phase", "term"}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "ctdet_iterations_total",
			Help:        "Batches processed",
			ConstLabels: constLabels,
		}, []string{"phase"}),
		epochDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "ctdet_epoch_duration_seconds",
			Help:        "Wall time of the latest epoch",
			ConstLabels: constLabels,
		}, []string{"phase"}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "ctdet_epoch",
			Help:        "Latest finished epoch",
			ConstLabels: constLabels,
		}),
		lr: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "ctdet_learning_rate",
			Help:        "Current learning rate",
			ConstLabels: constLabels,
		}),
		debugErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "ctdet_debug_errors_total",
			Help:        "Visualization failures that were logged and skipped",
			ConstLabels: constLabels,
		}),
	}
	m.registry.MustRegister(m.loss, m.iterations, m.epochDuration, m.epoch, m.lr, m.debugErrors)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveIteration counts one processed batch.
func (m *Metrics) ObserveIteration(phase string) {
	m.iterations.WithLabelValues(phase).Inc()
}

// ObserveEpoch records the end-of-epoch report.
func (m *Metrics) ObserveEpoch(phase string, epoch int, stats map[string]float64, elapsed time.Duration, lr float64) {
	for term, v := range stats {
		m.loss.WithLabelValues(phase, term).Set(v)
	}
	m.epochDuration.WithLabelValues(phase).Set(elapsed.Seconds())
	m.epoch.Set(float64(epoch))
	m.lr.Set(lr)
}

// ObserveDebugError counts a swallowed visualization failure.
func (m *Metrics) ObserveDebugError() {
	m.debugErrors.Inc()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown")
		}
	}()

	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrainingMetrics holds the prometheus collectors of one run. All methods
// are safe on a nil receiver so callers can leave metrics disabled.
type TrainingMetrics struct {
	registry *prometheus.Registry

	epochs        prometheus.Counter
	epochDuration prometheus.Histogram
	learningRate  prometheus.Gauge
	metric        *prometheus.GaugeVec
	improvements  prometheus.Counter
	bestEpoch     prometheus.Gauge
	patience      prometheus.Gauge
	earlyStops    prometheus.Counter
}

// NewTrainingMetrics registers the training collectors on a private
// registry. constLabels are attached to every series (e.g. dataset, model).
func NewTrainingMetrics(constLabels map[string]string) *TrainingMetrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels(constLabels)
	m := &TrainingMetrics{
		registry: reg,
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hgcn_training_epochs_total",
			Help:        "Training epochs completed",
			ConstLabels: labels,
		}),
		epochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "hgcn_training_epoch_duration_seconds",
			Help:        "Wall-clock duration of one training epoch",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
			ConstLabels: labels,
		}),
		learningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "hgcn_training_learning_rate",
			Help:        "Learning rate after the last scheduler step",
			ConstLabels: labels,
		}),
		metric: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "hgcn_training_metric",
			Help:        "Last observed metric value by split and name",
			ConstLabels: labels,
		}, []string{"split", "name"}),
		improvements: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hgcn_training_improvements_total",
			Help:        "Validation checkpoints that improved the best state",
			ConstLabels: labels,
		}),
		bestEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "hgcn_training_best_epoch",
			Help:        "Epoch of the last validation improvement",
			ConstLabels: labels,
		}),
		patience: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "hgcn_training_patience_counter",
			Help:        "Consecutive non-improving validation checkpoints",
			ConstLabels: labels,
		}),
		earlyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hgcn_training_early_stops_total",
			Help:        "Runs terminated by early stopping",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.epochs, m.epochDuration, m.learningRate, m.metric,
		m.improvements, m.bestEpoch, m.patience, m.earlyStops)
	return m
}

// Registry exposes the private registry, e.g. for tests or a push gateway.
func (m *TrainingMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveEpoch records the scalars of one split. Only train observations
// advance the epoch counter and duration histogram.
func (m *TrainingMetrics) ObserveEpoch(split string, epoch int, lr float64, d time.Duration, scalars map[string]float64) {
	if m == nil {
		return
	}
	if split == "train" {
		m.epochs.Inc()
		m.epochDuration.Observe(d.Seconds())
		m.learningRate.Set(lr)
	}
	for name, v := range scalars {
		m.metric.WithLabelValues(split, name).Set(v)
	}
}

// ObserveImprovement records a validation improvement at epoch.
func (m *TrainingMetrics) ObserveImprovement(epoch int) {
	if m == nil {
		return
	}
	m.improvements.Inc()
	m.bestEpoch.Set(float64(epoch))
	m.patience.Set(0)
}

// ObservePatience records the current patience counter.
func (m *TrainingMetrics) ObservePatience(counter int) {
	if m == nil {
		return
	}
	m.patience.Set(float64(counter))
}

// ObserveEarlyStop records that the run stopped early.
func (m *TrainingMetrics) ObserveEarlyStop() {
	if m == nil {
		return
	}
	m.earlyStops.Inc()
}

// WriteTextfile writes all collectors in the text exposition format, the
// layout read by the node exporter textfile collector.
func (m *TrainingMetrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

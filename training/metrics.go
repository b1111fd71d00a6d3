package training

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports training progress to Prometheus. Register it on a
// dedicated registry in tests; the CLI uses the default one.
type Metrics struct {
	batchesTotal  prometheus.Counter
	epochsTotal   prometheus.Counter
	checkpoints   *prometheus.CounterVec
	lossD         prometheus.Gauge
	lossG         prometheus.Gauge
	epochDuration prometheus.Histogram
	currentEpoch  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_batches_total",
			Help:      "Total number of adversarial training steps",
		}),
		epochsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_epochs_total",
			Help:      "Total number of completed epochs",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_written_total",
			Help:      "Checkpoint files written, by kind",
		}, []string{"kind"}),
		lossD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discriminator_loss",
			Help:      "Mean discriminator loss of the last completed epoch",
		}),
		lossG: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generator_loss",
			Help:      "Mean generator loss of the last completed epoch",
		}),
		epochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "epoch_duration_seconds",
			Help:      "Wall time per epoch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		currentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_epoch",
			Help:      "Index of the last completed epoch",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.batchesTotal, m.epochsTotal, m.checkpoints,
			m.lossD, m.lossG, m.epochDuration, m.currentEpoch,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeBatch() {
	if m == nil {
		return
	}
	m.batchesTotal.Inc()
}

func (m *Metrics) observeEpoch(s EpochSummary) {
	if m == nil {
		return
	}
	m.epochsTotal.Inc()
	m.currentEpoch.Set(float64(s.Epoch))
	m.lossD.Set(s.MeanLossD)
	m.lossG.Set(s.MeanLossG)
	m.epochDuration.Observe(s.Duration.Seconds())
}

func (m *Metrics) observeCheckpoint(kind string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(kind).Inc()
}

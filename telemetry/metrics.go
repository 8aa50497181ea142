package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Event kind labels.
const (
	KindEnv   = "env"
	KindBirth = "birth"
	KindDeath = "death"
)

// Metrics bundles the Prometheus metrics of one run.
type Metrics struct {
	registry *prometheus.Registry

	Events      *prometheus.CounterVec
	Extinctions prometheus.Counter
	Records     prometheus.Counter
	Files       prometheus.Counter
	Population  prometheus.Gauge
	SimTime     prometheus.Gauge
}

// NewMetrics registers the run metrics on a private registry. Every series
// carries the run index as a constant label.
func NewMetrics(run int) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"run": fmt.Sprintf("%04d", run)}

	m := &Metrics{
		registry: reg,
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mutare_events_total",
			Help:        "Events applied, labeled by kind (env, birth, death).",
			ConstLabels: labels,
		}, []string{"kind"}),
		Extinctions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mutare_extinctions_total",
			Help:        "Population extinctions followed by reseeding.",
			ConstLabels: labels,
		}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mutare_records_total",
			Help:        "Observation records taken.",
			ConstLabels: labels,
		}),
		Files: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mutare_output_files_total",
			Help:        "Output files finalized.",
			ConstLabels: labels,
		}),
		Population: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mutare_population",
			Help:        "Current number of agents.",
			ConstLabels: labels,
		}),
		SimTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mutare_sim_time",
			Help:        "Current simulated time.",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{m.Events, m.Extinctions, m.Records, m.Files, m.Population, m.SimTime} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	// Expose all kinds from the start.
	for _, k := range []string{KindEnv, KindBirth, KindDeath} {
		m.Events.WithLabelValues(k)
	}
	return m, nil
}

// Registry returns the registry holding the run metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AddChunk folds the counters of a finished output file into the metrics.
func (m *Metrics) AddChunk(cs ChunkStats) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(KindEnv).Add(float64(cs.EnvEvents))
	m.Events.WithLabelValues(KindBirth).Add(float64(cs.Births))
	m.Events.WithLabelValues(KindDeath).Add(float64(cs.Deaths))
	m.Extinctions.Add(float64(cs.Extinctions))
	m.Records.Add(float64(cs.Records))
	m.Files.Inc()
	m.Population.Set(float64(cs.NAgents))
	m.SimTime.Set(cs.Time)
}

// WriteTextfile writes the metrics in the Prometheus text format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

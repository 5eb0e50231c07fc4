package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "colorgate"

type promMetrics struct {
	jobs       *prometheus.CounterVec
	lookups    *prometheus.CounterVec
	rejections *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   prometheus.Histogram
}

func registerProm(reg prometheus.Registerer, src PressureSource) (*promMetrics, error) {
	pm := &promMetrics{
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Count of admission outcomes and terminal job transitions.",
			},
			[]string{"outcome"},
		),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Count of result cache lookups by result.",
			},
			[]string{"result"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Count of rejected submissions by reason.",
			},
			[]string{"reason"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Count of failed jobs by reason.",
			},
			[]string{"reason"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time a completed job spent in its worker slot.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
		),
	}

	cs := []prometheus.Collector{pm.jobs, pm.lookups, pm.rejections, pm.failures, pm.duration}
	if src != nil {
		cs = append(cs,
			gaugeFunc("active_jobs", "Jobs currently admitted and not finished.", func() float64 {
				return float64(src.ActiveJobs())
			}),
			gaugeFunc("cache_entries", "Entries in the local result cache.", func() float64 {
				return float64(src.CacheEntries())
			}),
			gaugeFunc("cache_bytes", "Bytes held by the local result cache.", func() float64 {
				return float64(src.CacheBytes())
			}),
			gaugeFunc("pressure", "1 while the resource monitor reports pressure.", func() float64 {
				if src.UnderPressure() {
					return 1
				}
				return 0
			}),
		)
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

func gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (pm *promMetrics) observe(e Event) {
	switch e.Kind {
	case KindHit:
		pm.lookups.WithLabelValues("hit").Inc()
		pm.jobs.WithLabelValues("cached").Inc()
	case KindMiss:
		pm.lookups.WithLabelValues("miss").Inc()
	case KindAccepted:
		pm.jobs.WithLabelValues("accepted").Inc()
	case KindRejected:
		pm.jobs.WithLabelValues("rejected").Inc()
		pm.rejections.WithLabelValues(e.Reason).Inc()
	case KindCompleted:
		pm.jobs.WithLabelValues("completed").Inc()
		pm.duration.Observe(e.Duration.Seconds())
	case KindFailed:
		pm.jobs.WithLabelValues("failed").Inc()
		pm.failures.WithLabelValues(e.Reason).Inc()
	}
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lab_engine"

// Recorder owns its own registry so tests and multiple engines never collide
// on the global one.
type Recorder struct {
	registry    *prometheus.Registry
	matches     prometheus.Counter
	matchLabs   prometheus.Histogram
	commits     *prometheus.CounterVec
	releases    prometheus.Counter
	transitions *prometheus.CounterVec
	sideEffects *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_requests_total",
			Help:      "Match requests served.",
		}),
		matchLabs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_candidates",
			Help:      "Labs returned per match request.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_commits_total",
			Help:      "Reservation commit attempts by outcome.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_releases_total",
			Help:      "Reservations released.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "project_transitions_total",
			Help:      "Project status changes by target status.",
		}, []string{"status"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Event publish and archive failures.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	r.registry.MustRegister(
		r.matches, r.matchLabs, r.commits, r.releases, r.transitions, r.sideEffects, r.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Match(candidates int) {
	r.matches.Inc()
	r.matchLabs.Observe(float64(candidates))
}

// Commit records a commit attempt. outcome is "committed", "conflict" or "error".
func (r *Recorder) Commit(outcome string) {
	r.commits.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Release() {
	r.releases.Inc()
}

func (r *Recorder) Transition(status string) {
	r.transitions.WithLabelValues(status).Inc()
}

func (r *Recorder) SideEffectFailed(kind string) {
	r.sideEffects.WithLabelValues(kind).Inc()
}

// Observe records how long op took since start.
func (r *Recorder) Observe(op string, start time.Time) {
	r.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

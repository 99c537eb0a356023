package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics
var (
	votesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rumor_votes_total",
			Help: "Accepted votes by type.",
		},
		[]string{"type"},
	)

	submissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rumor_submissions_total",
		Help: "Accepted rumor submissions.",
	})

	consensusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rumor_consensus_evaluations_total",
			Help: "Consensus evaluations by resolved direction.",
		},
		[]string{"direction"},
	)

	sweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rumor_lifecycle_swept_total",
			Help: "Records changed by lifecycle sweeps.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			votesTotal, submissionsTotal, consensusTotal, sweptTotal,
			buildInfo,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission counts one accepted rumor.
func ObserveSubmission() { submissionsTotal.Inc() }

// ObserveVote counts one accepted vote.
func ObserveVote(voteType string) { votesTotal.WithLabelValues(voteType).Inc() }

// ObserveConsensus counts one consensus evaluation.
func ObserveConsensus(direction string) { consensusTotal.WithLabelValues(direction).Inc() }

// ObserveSweep adds the counts of one lifecycle sweep.
func ObserveSweep(archived, identities, votes int) {
	sweptTotal.WithLabelValues("rumor").Add(float64(archived))
	sweptTotal.WithLabelValues("identity").Add(float64(identities))
	sweptTotal.WithLabelValues("vote").Add(float64(votes))
}

// Instrument records in-flight, total and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 2 && parts[1] != "" {
		switch parts[0] {
		case "rumors":
			return "/rumors/:id"
		case "credibility":
			return "/credibility/:identity"
		}
	}
	return p
}

// statusWriter remembers the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind Instrument.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

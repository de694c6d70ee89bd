package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "x402"

var registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	payments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Payments attempted, by network and final status.",
	}, []string{"network", "status"})

	paymentVolume = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_volume_usdc_total",
		Help:      "USDC moved by completed payments.",
	}, []string{"network"})

	flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deferred_flushes_total",
		Help:      "Deferred queue flushes, by outcome.",
	}, []string{"outcome"})

	deferredPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deferred_pending",
		Help:      "Charges waiting in the deferred queue.",
	}, []string{"wallet"})

	challenges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_challenges_total",
		Help:      "HTTP 402 challenges handled, by outcome.",
	}, []string{"outcome"})

	collaborations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swarm_collaborations_total",
		Help:      "Swarm collaborations, by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collaboration_jobs_total",
		Help:      "Collaboration jobs reaching a terminal state.",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		payments, paymentVolume, flushes, deferredPending, challenges,
		collaborations, jobs,
	)
}

// Registry exposes the underlying registry, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePayment counts a payment in its final status. amount only
// contributes to the volume when status is completed.
func ObservePayment(network, status string, amount float64) {
	payments.WithLabelValues(network, status).Inc()
	if status == "completed" && amount > 0 {
		paymentVolume.WithLabelValues(network).Add(amount)
	}
}

// ObserveChallenge counts a handled 402 challenge.
func ObserveChallenge(outcome string) {
	challenges.WithLabelValues(outcome).Inc()
}

// ObserveFlush counts a deferred queue flush.
func ObserveFlush(outcome string) {
	flushes.WithLabelValues(outcome).Inc()
}

// SetDeferredPending reports the queue depth of one wallet.
func SetDeferredPending(wallet string, n int) {
	deferredPending.WithLabelValues(wallet).Set(float64(n))
}

// ObserveCollaboration counts a finished swarm collaboration.
func ObserveCollaboration(strategy, outcome string) {
	collaborations.WithLabelValues(strategy, outcome).Inc()
}

// ObserveJob counts a collaboration job status transition.
func ObserveJob(status string) {
	jobs.WithLabelValues(status).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

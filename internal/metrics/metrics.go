// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transfer metrics
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sealchat_transfers_total",
			Help: "Total direct transfers by role and outcome",
		},
		[]string{"role", "outcome"}, // outcome: closed, declined, failed
	)

	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sealchat_transfer_bytes_total",
			Help: "Bytes moved over direct channels",
		},
		[]string{"role"},
	)

	NegotiationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sealchat_negotiation_duration_seconds",
			Help:    "Time from offer to open channel",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Fallback metrics
	FallbackUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sealchat_fallback_uploads_total",
			Help: "Relay fallback uploads by outcome",
		},
		[]string{"outcome"},
	)

	// Envelope metrics
	Envelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sealchat_envelopes_total",
			Help: "Envelope operations by kind and result",
		},
		[]string{"op", "result"},
	)

	// Key metrics
	KeyFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sealchat_key_fetches_total",
			Help: "Public key lookups by result",
		},
		[]string{"result"}, // cached, fetched, not_found, error
	)

	KeyUnlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sealchat_key_unlocks_total",
			Help: "Private key unlock attempts by result",
		},
		[]string{"result"},
	)
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package observability

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartMetricsServer serves /metrics and /healthz on addr in a background
// goroutine. A no-op when addr is empty.
func StartMetricsServer(addr string) {
	if addr == "" {
		return
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	go func() {
		slog.Info("metrics server listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, r); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()
}

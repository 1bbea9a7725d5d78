package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"supchat/cmd/internal/chat"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	a *App,
	ws *chat.WSGateway,
	promReg *prometheus.Registry,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && a.backend == backendMemory {
			http.Error(w, "no durable store configured", http.StatusServiceUnavailable)
			return
		}

		switch a.backend {
		case backendPostgres:
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		case backendMongo:
			if err := PingMongo(r.Context(), a.mongoCli, 2*time.Second); err != nil {
				http.Error(w, "mongo not ready", http.StatusServiceUnavailable)
				log.Info("readyz.mongo.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/ws", ws.HandleWS)
}

// Package api serves the operational endpoints of the scheduler: Prometheus
// metrics and a health summary built from the audit store.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lox/wxcache/internal/store"
)

type Server struct {
	store *store.Store
	addr  string
	log   logrus.FieldLogger
}

// NewServer returns a server listening on addr. st may be nil, in which
// case health reports no ingest history.
func NewServer(st *store.Store, addr string, log logrus.FieldLogger) *Server {
	return &Server{store: st, addr: addr, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.WithField("addr", s.addr).Info("api: serving metrics and health")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// HealthStatus is the /healthz response.
type HealthStatus struct {
	Status string         `json:"status"`
	Today  []SourceHealth `json:"today,omitempty"`
	Errors []string       `json:"errors,omitempty"`
}

type SourceHealth struct {
	Source   string `json:"source"`
	Endpoint string `json:"endpoint"`
	Runs     int    `json:"runs"`
	Failed   int    `json:"failed"`
	Records  int64  `json:"records"`
}

// recentErrorLimit bounds the error messages included in the response.
const recentErrorLimit = 5

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	health := HealthStatus{Status: "ok"}

	if s.store != nil {
		summaries, err := s.store.GetIngestHealth(1)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		for _, sum := range summaries {
			health.Today = append(health.Today, SourceHealth{
				Source:   sum.Source,
				Endpoint: sum.Endpoint,
				Runs:     sum.TotalRuns,
				Failed:   sum.FailedRuns,
				Records:  sum.TotalRecords,
			})
			if sum.FailedRuns > 0 {
				health.Status = "degraded"
			}
		}

		if health.Status != "ok" {
			runs, err := s.store.GetRecentIngestErrors(recentErrorLimit)
			if err != nil {
				s.log.WithError(err).Warn("api: recent ingest errors")
			}
			for _, run := range runs {
				msg := run.Source + " " + run.EntityID.String
				if run.WindowID.Valid {
					msg += " " + run.WindowID.String
				}
				if run.ErrorMessage.Valid {
					msg += ": " + run.ErrorMessage.String
				}
				health.Errors = append(health.Errors, msg)
			}
		}
	}

	json.NewEncoder(w).Encode(health)
}

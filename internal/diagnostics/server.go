// Package diagnostics exposes a small read-only HTTP surface over the
// consensus engine's store, for operators to inspect epoch and
// tip/locked/high-qc state without a full block explorer. The recorded
// no-vote diagnostics are not exposed.
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-chain/shardbft/core"
)

// Server serves /status and /metrics for one consensus worker.
type Server struct {
	store  core.Store
	oracle core.EpochOracle
	log    *logrus.Entry
	http   *http.Server
}

func NewServer(addr string, store core.Store, oracle core.EpochOracle) *Server {
	s := &Server{store: store, oracle: oracle, log: logrus.WithField("component", "diagnostics")}
	r := chi.NewRouter()
	r.Use(requestIdMiddleware)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

type statusResponse struct {
	Epoch        core.Epoch `json:"epoch"`
	TipHeight    core.NodeHeight `json:"tip_height"`
	TipId        string     `json:"tip_id,omitempty"`
	LockedHeight core.NodeHeight `json:"locked_height"`
	LockedId     string     `json:"locked_id,omitempty"`
	HighQcHeight core.NodeHeight `json:"high_qc_height"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	resp.Epoch = s.oracle.CurrentEpoch()
	err := s.store.WithReadTx(r.Context(), func(tx core.ReadTx) error {
		tip, err := tx.GetTip()
		if err != nil {
			return err
		}
		if tip != nil {
			resp.TipHeight = tip.Header.Height
			id := tip.Id()
			resp.TipId = id.String()
		}
		locked, err := tx.GetLockedBlock()
		if err != nil {
			return err
		}
		if locked != nil {
			resp.LockedHeight = locked.Header.Height
			id := locked.Id()
			resp.LockedId = id.String()
		}
		highQc, err := tx.GetHighQc()
		if err != nil {
			return err
		}
		if highQc != nil {
			resp.HighQcHeight = highQc.BlockHeight
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// requestIdMiddleware stamps every request with a fresh correlation id, so
// operators can match a status/metrics call against the worker's logs.
func requestIdMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.http.Shutdown(context.Background())
	}()
	s.log.WithField("addr", s.http.Addr).Info("diagnostics server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

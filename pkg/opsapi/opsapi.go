// Package opsapi is the operational HTTP surface: pipeline triggers, queue
// diagnostics and health. It is meant to sit behind the deployment's admin
// auth, not on the public internet.
package opsapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/ledger"
	"github.com/sipsociety/backbone/pkg/pipeline/bulkimport"
	"github.com/sipsociety/backbone/pkg/pipeline/classify"
	"github.com/sipsociety/backbone/pkg/pipeline/coins"
	"github.com/sipsociety/backbone/pkg/pipeline/engagement"
	"github.com/sipsociety/backbone/pkg/telemetry"
	"go.uber.org/zap"
)

// Server serves the ops API.
type Server struct {
	Log        *zap.Logger
	Broker     *broker.Client
	Queues     map[string]*jobqueue.Queue
	Import     *bulkimport.Service
	Classify   *classify.Service
	Engagement *engagement.Service
	Coins      *coins.Service
	Ledger     *ledger.Store
}

// obliterateTimeout must exceed the queue's own deletion budget, else the
// request deadline cuts the pass short of a clean partial result.
const obliterateTimeout = jobqueue.ObliterateBudget + time.Minute

// Router builds the chi router for the ops API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/import/start", s.handleImportStart)
			r.Get("/import/status", s.handleImportStatus)
			r.Post("/classify/{userID}", s.handleClassify)
			r.Post("/backfill/start", s.handleBackfillStart)
			r.Get("/backfill/progress", s.handleBackfillProgress)
			r.Post("/coins/{userID}", s.handleCoins)
			r.Get("/queues/{queue}/stats", s.handleQueueStats)
			r.Get("/queues/{queue}/recent", s.handleQueueRecent)
			r.Post("/queues/{queue}/clean", s.handleQueueClean)
			r.Post("/ledger/retry", s.handleLedgerRetry)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(obliterateTimeout))
			r.Post("/queues/{queue}/obliterate", s.handleQueueObliterate)
		})
	})
	return r
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) respondErr(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.Broker.State()
	status := http.StatusOK
	if state != broker.StateReady {
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, map[string]string{"broker": state.String()})
}

func (s *Server) handleImportStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReimportAll       bool `json:"reimport_all"`
		TargetUnprocessed int  `json:"target_unprocessed"`
		MaxCustomers      int  `json:"max_customers"`
		FullImport        bool `json:"full_import"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondErr(w, http.StatusBadRequest, err)
			return
		}
	}
	runID, err := s.Import.Start(r.Context(), bulkimport.Options{
		ReimportAll:       req.ReimportAll,
		TargetUnprocessed: req.TargetUnprocessed,
		MaxCustomers:      req.MaxCustomers,
		FullImport:        req.FullImport,
	})
	switch {
	case errors.Is(err, bulkimport.ErrRunInProgress):
		s.respondErr(w, http.StatusConflict, err)
	case errors.Is(err, jobqueue.ErrUnavailable):
		s.respondErr(w, http.StatusServiceUnavailable, err)
	case err != nil:
		s.respondErr(w, http.StatusInternalServerError, err)
	default:
		s.respond(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.Import.Status(r.Context())
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, err)
		return
	}
	if state == nil {
		s.respondErr(w, http.StatusNotFound, errors.New("no import run recorded"))
		return
	}
	s.respond(w, http.StatusOK, state)
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		s.respondErr(w, http.StatusBadRequest, errors.New("invalid user ID"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	source := classify.Source(r.URL.Query().Get("source"))
	if source == "" {
		source = classify.SourceAdmin
	}
	queued, err := s.Classify.Request(r.Context(), userID, source)
	if errors.Is(err, jobqueue.ErrUnavailable) {
		s.respondErr(w, http.StatusServiceUnavailable, err)
		return
	} else if err != nil {
		s.respondErr(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	enqueued, err := s.Engagement.StartBackfill(r.Context())
	if errors.Is(err, jobqueue.ErrUnavailable) {
		s.respondErr(w, http.StatusServiceUnavailable, err)
		return
	} else if err != nil {
		s.respondErr(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]int{"enqueued": enqueued})
}

func (s *Server) handleBackfillProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.Engagement.BackfillProgress(r.Context())
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"total":      progress.Total,
		"completed":  progress.Completed,
		"failed":     progress.Failed,
		"started_at": progress.StartedAt,
		"running":    progress.Running,
		"percentage": progress.Percentage(),
	})
}

func (s *Server) handleCoins(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	coinType := q.Get("type")
	if coinType == "" {
		coinType = coins.CoinTypeAll
	}
	err := s.Coins.Request(r.Context(), userID, coinType, q.Get("reason"), q.Get("context"))
	if err != nil {
		s.respondErr(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"coin_type": coins.NormalizeType(coinType)})
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) (*jobqueue.Queue, bool) {
	name := chi.URLParam(r, "queue")
	q, ok := s.Queues[name]
	if !ok {
		s.respondErr(w, http.StatusNotFound, errors.New("unknown queue "+name))
		return nil, false
	}
	return q, true
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	counts, err := q.Stats(r.Context())
	if err != nil {
		s.respondErr(w, http.StatusServiceUnavailable, err)
		return
	}
	telemetry.ObserveDepths(q.Name(), counts.Waiting, counts.Active,
		counts.Delayed, counts.Completed, counts.Failed)
	s.respond(w, http.StatusOK, counts)
}

func (s *Server) handleQueueRecent(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.respondErr(w, http.StatusBadRequest, errors.New("limit must be in 1..500"))
			return
		}
		limit = n
	}
	jobs, err := q.RecentJobs(r.Context(), limit)
	if err != nil {
		s.respondErr(w, http.StatusServiceUnavailable, err)
		return
	}
	s.respond(w, http.StatusOK, jobs)
}

func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	var req struct {
		MaxAgeSeconds int64  `json:"max_age_seconds"`
		Limit         int    `json:"limit"`
		State         string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, err)
		return
	}
	state := jobqueue.State(req.State)
	if !state.Terminal() {
		s.respondErr(w, http.StatusBadRequest, errors.New("state must be completed or failed"))
		return
	}
	removed, err := q.Clean(r.Context(), time.Duration(req.MaxAgeSeconds)*time.Second, req.Limit, state)
	if err != nil {
		s.respondErr(w, http.StatusServiceUnavailable, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleQueueObliterate(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("confirm") != q.Name() {
		s.respondErr(w, http.StatusBadRequest,
			errors.New("obliterate requires confirm=<queue name>"))
		return
	}
	var last jobqueue.ObliterateProgress
	deleted, err := q.ObliterateWithProgress(r.Context(), func(p jobqueue.ObliterateProgress) {
		last = p
	})
	if errors.Is(err, jobqueue.ErrObliteratePartial) {
		s.respond(w, http.StatusAccepted, map[string]interface{}{
			"deleted":  deleted,
			"partial":  true,
			"progress": last,
		})
		return
	} else if err != nil {
		s.respondErr(w, http.StatusServiceUnavailable, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"deleted": deleted, "partial": false})
}

func (s *Server) handleLedgerRetry(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondErr(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}
	resolved, failed, err := s.Import.RetryFailedEnqueues(r.Context(), limit)
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"resolved": resolved, "failed": failed})
}

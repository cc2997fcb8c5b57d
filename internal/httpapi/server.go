// Package httpapi serves the admin HTTP endpoints: health, the live job
// table and manual digest triggers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/notifier"
	"github.com/suspectuso/crypto-reminder/internal/schedule"
	"github.com/suspectuso/crypto-reminder/internal/storage"
	"github.com/suspectuso/crypto-reminder/internal/subscriptions"
)

// JobLister exposes the scheduler's live jobs.
type JobLister interface {
	Jobs() []schedule.JobInfo
}

// Subscribers is the part of the command API the admin endpoints use.
type Subscribers interface {
	Settings(ctx context.Context, id string) (*storage.Subscriber, error)
	TriggerDigestNow(ctx context.Context, id string) error
}

type Server struct {
	jobs JobLister
	subs Subscribers
	log  *zap.Logger

	server *http.Server
}

func NewServer(jobs JobLister, subs Subscribers, log *zap.Logger) *Server {
	return &Server{
		jobs: jobs,
		subs: subs,
		log:  log,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/jobs", s.handleJobs)
	r.Get("/subscribers/{id}", s.handleSubscriber)
	r.Post("/subscribers/{id}/digest", s.handleDigest)
	return r
}

// Start serves on port until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second, // manual digests wait on the market API
	}

	s.log.Info("starting admin server", zap.Int("port", port))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Jobs())
}

type subscriberView struct {
	ID       string   `json:"id"`
	Timezone string   `json:"timezone"`
	Coins    []string `json:"coins"`
	Time     string   `json:"time"`
}

func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.subs.Settings(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriberView{
		ID:       sub.ID,
		Timezone: sub.Timezone,
		Coins:    sub.Coins,
		Time:     sub.DeliveryTime.String(),
	})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.subs.TriggerDigestNow(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("manual digest sent", zap.String("subscriber_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, subscriptions.ErrNotSubscribed):
		status = http.StatusNotFound
	case errors.Is(err, notifier.ErrNoPriceData):
		status = http.StatusBadGateway
	default:
		s.log.Error("admin request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package httpapi exposes the engine's read model and dose actions over a
// small local HTTP surface, meant for the companion UI on the same machine.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"medremind/internal/med"
	logx "medremind/pkg/logx"
)

// DoseActions covers the state transitions reachable over HTTP. Satisfied
// by dose.Service.
type DoseActions interface {
	Take(ctx context.Context, recordID int64, takenAt *time.Time) error
	Skip(ctx context.Context, recordID int64) error
	Untake(ctx context.Context, recordID int64) error
	Snooze(ctx context.Context, recordID int64) error
}

// Catalog covers the medicine inventory operations. Satisfied by
// catalog.Service.
type Catalog interface {
	CreateMedicine(ctx context.Context, m *med.Medicine, sc *med.Schedule) error
	ListMedicines(ctx context.Context) ([]*med.Medicine, error)
}

// TodayView reads the current day's doses. Satisfied by readmodel.Today.
type TodayView interface {
	Doses() ([]*med.DoseView, time.Time)
}

// Pinger reports storage readiness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr  string
	Pprof bool
}

type Server struct {
	cfg   Config
	doses DoseActions
	cat   Catalog
	today TodayView
	ping  Pinger
	loc   *time.Location
	log   logx.Logger

	srv *http.Server
}

func NewServer(cfg Config, doses DoseActions, cat Catalog, today TodayView, ping Pinger, loc *time.Location, log logx.Logger) *Server {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:   cfg,
		doses: doses,
		cat:   cat,
		today: today,
		ping:  ping,
		loc:   loc,
		log:   log,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the router; exposed so tests can drive it with httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/doses/today", s.handleToday)
		r.Route("/doses/{id}", func(r chi.Router) {
			r.Post("/take", s.handleTake)
			r.Post("/skip", s.handleSkip)
			r.Post("/untake", s.handleUntake)
			r.Post("/snooze", s.handleSnooze)
		})
		r.Get("/medicines", s.handleListMedicines)
		r.Post("/medicines", s.handleCreateMedicine)
	})

	if s.cfg.Pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

// Start begins serving. It returns once the listener stops; http.ErrServerClosed
// is swallowed.
func (s *Server) Start() error {
	s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

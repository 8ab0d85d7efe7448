package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cabohealth/nova/pkg/gateway/auth"
	"github.com/cabohealth/nova/pkg/gateway/config"
	"github.com/cabohealth/nova/pkg/gateway/handlers"
	"github.com/cabohealth/nova/pkg/gateway/lifecycle"
	"github.com/cabohealth/nova/pkg/gateway/live/checkpoint"
	"github.com/cabohealth/nova/pkg/gateway/live/session"
	"github.com/cabohealth/nova/pkg/gateway/live/sessions"
	"github.com/cabohealth/nova/pkg/gateway/mw"
	"github.com/cabohealth/nova/pkg/gateway/upstream/gemini"
)

// Dependencies carries the collaborators main constructs before the server
// comes up: the database-backed repos, the mail client, and the optional
// audio archive.
type Dependencies struct {
	DB            handlers.Pinger
	Consultations handlers.ConsultationStore
	Checkpoints   checkpoint.Store
	Mailer        handlers.SummarySender
	AudioStore    session.AudioStore // nil disables fragment archival
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	tokens    *auth.Manager
	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
	deps      Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		tokens:    auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		lifecycle: &lifecycle.Lifecycle{},
		tracker:   sessions.NewTracker(),
		deps:      deps,
	}

	s.routes()
	return s
}

// SetDraining flips the gateway into drain mode: readiness goes not-ready
// and new interview sessions are refused.
func (s *Server) SetDraining() { s.lifecycle.SetDraining(true) }

// WarnLiveSessionsDraining tells every open interview that the gateway is
// going away so clients can checkpoint and reconnect elsewhere.
func (s *Server) WarnLiveSessionsDraining() {
	n := s.tracker.WarnAll("draining", "gateway is shutting down; the session will end shortly")
	if n > 0 {
		s.logger.Info("warned live sessions about drain", "sessions", n)
	}
}

// WaitLiveSessions blocks until every interview has ended or ctx expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool { return s.tracker.Wait(ctx) }

// CancelLiveSessions force-closes any interviews still open after the grace
// period.
func (s *Server) CancelLiveSessions() {
	n := s.tracker.CancelAll()
	if n > 0 {
		s.logger.Warn("canceled live sessions at shutdown", "sessions", n)
	}
}

func (s *Server) routes() {
	s.mux.Handle("/api/live", handlers.LiveHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Sessions:  s.tracker,
		Dialer: handlers.GeminiDialer{
			APIKey:           s.cfg.GeminiAPIKey,
			Model:            s.cfg.GeminiLiveModel,
			BaseWSURL:        s.cfg.GeminiLiveWSBaseURL,
			HandshakeTimeout: s.cfg.GeminiHandshakeTimeout,
		},
		Summarizer: &gemini.Summarizer{
			APIKey:  s.cfg.GeminiAPIKey,
			Model:   s.cfg.GeminiSummaryModel,
			BaseURL: s.cfg.GeminiRESTBaseURL,
		},
		AudioStore:  s.deps.AudioStore,
		Checkpoints: s.deps.Checkpoints,
	})

	s.mux.Handle("/api/consultations", handlers.ConsultationsHandler{
		Store:  s.deps.Consultations,
		Logger: s.logger,
	})

	s.mux.Handle("/api/recovery", handlers.RecoveryHandler{
		Checkpoints: checkpoint.NewManager(s.deps.Checkpoints, s.logger, s.cfg.CheckpointEvery),
		Logger:      s.logger,
	})

	s.mux.Handle("/api/email", handlers.EmailHandler{
		Store:  s.deps.Consultations,
		Sender: s.deps.Mailer,
		Logger: s.logger,
		Now:    time.Now,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var api http.Handler = s.mux
	api = mw.Auth(s.tokens, api)

	// Probes sit outside the JWT gate so the load balancer can reach them.
	root := http.NewServeMux()
	root.Handle("/healthz", handlers.HealthHandler{})
	root.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, DB: s.deps.DB})
	root.Handle("/", api)

	var h http.Handler = root
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

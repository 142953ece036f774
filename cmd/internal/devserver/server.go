// Package devserver is an in-memory dashboard backend for local development
// and end-to-end tests. It serves the credential endpoints, the user
// directory, the notification REST surface and the realtime gateway, all
// under the same contracts the client speaks.
package devserver

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/attia12/stage-mouna/cmd/internal/metrics"
	"github.com/attia12/stage-mouna/cmd/security/password"
)

// Config configures a Server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	// SigningKey signs access tokens (HS256). Empty means a random per-process key.
	SigningKey []byte
	// RefreshHMACKey keys the refresh-token digests. Empty means plain SHA-256.
	RefreshHMACKey []byte
	SeedDemo       bool
	Gateway        GatewayConfig
	// Lockout throttles failed logins. The zero value disables throttling.
	Lockout LockoutConfig
}

// DefaultConfig returns local development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8080",
		AllowedOrigins: []string{"http://localhost:4200", "http://127.0.0.1:4200"},
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
		SeedDemo:       true,
		Lockout:        DefaultLockoutConfig(),
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics exposes /metrics and counts websocket sessions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides the time source (token minting and expiry checks).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPasswordConfig overrides the argon2id cost and password policy.
func WithPasswordConfig(c password.Config) Option {
	return func(s *Server) { s.passwords = c }
}

// Server is the dev backend.
type Server struct {
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	passwords password.Config

	users    *userStore
	tokens   *tokenIssuer
	notes    *notificationStore
	auditLog *auditLog
	hub      *Hub
	gateway  *Gateway
	router   chi.Router
}

// New builds a Server. Demo accounts are created when cfg.SeedDemo is set.
func New(cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		passwords: password.DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.cfg.AccessTTL <= 0 {
		s.cfg.AccessTTL = 15 * time.Minute
	}
	if s.cfg.RefreshTTL <= 0 {
		s.cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	signingKey := cfg.SigningKey
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return nil, err
		}
		s.log.Warn("devserver.signing_key.ephemeral", "hint", "tokens do not survive a restart")
	}

	tokens, err := newTokenIssuer(signingKey, cfg.RefreshHMACKey, s.cfg.AccessTTL, s.cfg.RefreshTTL, s.now)
	if err != nil {
		return nil, err
	}
	s.tokens = tokens
	s.users = newUserStore(s.passwords)
	s.notes = newNotificationStore()
	s.auditLog = &auditLog{}
	s.hub = NewHub(s.log)
	s.hub.now = s.now

	gw := cfg.Gateway
	if len(gw.AllowedOrigins) == 0 {
		gw.AllowedOrigins = cfg.AllowedOrigins
	}
	s.gateway = newGateway(s.log, s.hub, s.tokens.verifyAccess, s.metrics, gw)

	if cfg.SeedDemo {
		if err := s.seedDemo(); err != nil {
			return nil, err
		}
	}

	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub exposes the topic hub (tests, smoke tooling).
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(WithRequestLogging(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/ws", s.gateway.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/users/me", s.handleMe)
			r.Get("/users", s.handleUsers)
			r.Get("/audit", s.handleAudit)

			r.Route("/notifications", func(r chi.Router) {
				r.Post("/", s.handleCreateNotification)
				r.Get("/", s.handleListNotifications)
				r.Get("/stats", s.handleStats)
				r.Put("/mark-all-read", s.handleMarkAllRead)
				r.Put("/{id}/read", s.handleMarkRead)
			})
		})
	})

	return r
}

func (s *Server) seedDemo() error {
	for _, a := range demoAccounts {
		u, err := s.users.create(a.reg, a.roles, s.now())
		if err != nil {
			return err
		}
		s.log.Info("devserver.seed.user", "user_id", u.ID, "email", u.Email)
	}
	return nil
}

// ListenAndServe serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Hijacked websocket sessions end with ctx; Shutdown does not track them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.log.Info("devserver.start", "addr", s.cfg.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.log.Error("devserver.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("devserver.shutdown.fail", "err", err)
		return err
	}
	s.log.Info("devserver.stopped")
	return nil
}

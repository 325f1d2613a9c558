package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/keyhaven/internal/access"
	"github.com/org/keyhaven/internal/audit"
	"github.com/org/keyhaven/internal/crypto"
	"github.com/org/keyhaven/internal/secret"
	"github.com/org/keyhaven/internal/sharing"
	"github.com/org/keyhaven/internal/storage"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	JWTSigningKey []byte
	GaugeInterval time.Duration
}

// Server is the API server.
type Server struct {
	backend storage.Backend
	engine  *access.Engine
	shares  *sharing.Service
	secrets *secret.Store
	auditor *audit.Recorder
	cfg     Config
	httpSrv *http.Server
	cancel  context.CancelFunc
}

// NewServer wires the full service stack on top of the given backend.
func NewServer(backend storage.Backend, cipher *crypto.Cipher, cfg Config) *Server {
	auditor := audit.NewRecorder(backend)
	engine := access.NewEngine(backend, auditor)
	shares := sharing.NewService(backend, auditor)
	secrets := secret.NewStore(backend, cipher, engine, shares, auditor)

	return &Server{
		backend: backend,
		engine:  engine,
		shares:  shares,
		secrets: secrets,
		auditor: auditor,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(logMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Get("/v1/sys/health", s.HealthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.JWTSigningKey))

		// Secrets
		r.Post("/v1/secrets", s.SecretCreateHandler)
		r.Get("/v1/secrets", s.SecretListHandler)
		r.Get("/v1/secrets/data/*", s.SecretGetHandler)
		r.Put("/v1/secrets/data/*", s.SecretUpdateHandler)
		r.Delete("/v1/secrets/data/*", s.SecretDeleteHandler)
		r.Post("/v1/secrets/rotate/*", s.SecretRotateHandler)
		r.Get("/v1/secrets/versions/*", s.SecretVersionsHandler)

		// Sharing
		r.Post("/v1/shares", s.ShareGrantHandler)
		r.Post("/v1/shares/revoke", s.ShareRevokeHandler)
		r.Get("/v1/shares/received", s.SharesReceivedHandler)
		r.Get("/v1/shares/given", s.SharesGivenHandler)

		// Administrative surface
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/v1/sys/audit-log", s.AuditLogHandler)
			r.Get("/v1/sys/audit-stats", s.AuditStatsHandler)
			r.Post("/v1/sys/audit-purge", s.AuditPurgeHandler)

			r.Post("/v1/sys/users", s.UserCreateHandler)
			r.Get("/v1/sys/users/{username}", s.UserGetHandler)
			r.Get("/v1/sys/users/{username}/roles", s.RoleListHandler)
			r.Post("/v1/sys/roles", s.RoleAssignHandler)
			r.Delete("/v1/sys/roles/{id}", s.RoleRemoveHandler)
		})
	})

	return r
}

// requireAdmin gates the administrative surface on an admin role grant.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFromCtx(r.Context())
		admin, err := s.engine.IsAdmin(r.Context(), principal)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !admin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	interval := s.cfg.GaugeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	var gaugeCtx context.Context
	gaugeCtx, s.cancel = context.WithCancel(context.Background())
	go refreshGauges(gaugeCtx, s.backend, interval)

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

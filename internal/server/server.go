package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keystone/internal/auth"
	"github.com/ashita-ai/keystone/internal/ctxutil"
	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/ratelimit"
	"github.com/ashita-ai/keystone/internal/search"
	"github.com/ashita-ai/keystone/internal/service/ingest"
	"github.com/ashita-ai/keystone/internal/service/knowledge"
	"github.com/ashita-ai/keystone/internal/storage"
)

// Server is the Keystone HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, Loader, KnowledgeIndex.
type ServerConfig struct {
	// Required dependencies.
	DB      *storage.DB
	JWTMgr  *auth.JWTManager
	Gateway *ingest.Gateway
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter        ratelimit.Limiter
	Broker         *Broker
	Loader         *knowledge.Loader
	KnowledgeIndex search.KnowledgeIndex

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	AdminOrgID          uuid.UUID
	RecentFindings      int
	SSEKeepalive        time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Gateway:             cfg.Gateway,
		Broker:              cfg.Broker,
		Loader:              cfg.Loader,
		KnowledgeIndex:      cfg.KnowledgeIndex,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AdminOrgID:          cfg.AdminOrgID,
		RecentFindings:      cfg.RecentFindings,
		SSEKeepalive:        cfg.SSEKeepalive,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	ingestRL := ratelimit.Middleware(cfg.Limiter, credentialKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth (no token required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Ingestion and inspection writes (sensor+). Only ingestion is rate limited.
	sensor := requireRole(model.RoleSensor)
	mux.Handle("POST /v1/ingest", sensor(ingestRL(http.HandlerFunc(h.HandleIngest))))
	mux.Handle("POST /v1/inspections", sensor(http.HandlerFunc(h.HandleCreateInspection)))
	mux.Handle("POST /v1/inspections/{id}/complete", sensor(http.HandlerFunc(h.HandleCompleteInspection)))

	// Reads and the realtime channel (viewer+).
	viewer := requireRole(model.RoleViewer)
	mux.Handle("GET /v1/inspections/{id}", viewer(http.HandlerFunc(h.HandleGetInspection)))
	mux.Handle("GET /v1/inspections/{id}/findings", viewer(http.HandlerFunc(h.HandleListFindings)))
	mux.Handle("GET /v1/inspections/{id}/subscribe", viewer(http.HandlerFunc(h.HandleSubscribe)))

	// Administration (admin).
	admin := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/inspections/{id}/reset", admin(http.HandlerFunc(h.HandleResetInspection)))
	mux.Handle("POST /v1/admin/knowledge", admin(http.HandlerFunc(h.HandleLoadKnowledge)))
	mux.Handle("POST /v1/admin/keys", admin(http.HandlerFunc(h.HandleCreateKey)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// credentialKeyFunc keys the ingestion limiter by organization and key.
// Admins are exempt.
func credentialKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "org:" + claims.OrgID.String() + ":key:" + claims.KeyID
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wasmforge/orchestrator/internal/api/middleware"
)

// RouterConfig holds all dependencies required to build the API router.
// Handler fields that are nil will receive a default "not implemented"
// handler, allowing the router to be constructed incrementally.
type RouterConfig struct {
	// AllowedOrigins for CORS. Use ["*"] during development.
	AllowedOrigins []string

	// DevMode enables development conveniences such as auth bypass headers.
	DevMode bool

	// AuthSecretKey is the JWT signing secret used to validate bearer tokens.
	AuthSecretKey string

	// Handlers -----------------------------------------------------------------

	// HealthHandler serves GET /api/v1/health.
	HealthHandler http.Handler

	// CompileHandler serves POST /api/v1/compile.
	CompileHandler http.Handler

	// DeployHandler serves POST /api/v1/deploy.
	DeployHandler http.Handler

	// GetJobHandler serves GET /api/v1/jobs/{id}.
	GetJobHandler http.Handler

	// ListJobsHandler serves GET /api/v1/jobs.
	ListJobsHandler http.Handler

	// WSHandler serves GET /api/v1/ws.
	WSHandler http.Handler
}

// NewRouter builds a fully-configured *mux.Router with the job-lifecycle
// routes and the middleware chain applied.
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()

	// ---- Global middleware (applied to every route) -----------------------
	// Order matters: outermost runs first.
	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(middleware.BodyLimitMiddleware)

	// ---- API v1 subrouter ------------------------------------------------
	v1 := r.PathPrefix("/api/v1").Subrouter()

	// ---- Public routes (no auth) -----------------------------------------
	v1.Handle("/health", handlerOrStub(cfg.HealthHandler)).Methods(http.MethodGet, http.MethodOptions)

	// ---- Authenticated routes --------------------------------------------
	auth := v1.NewRoute().Subrouter()
	authMW := middleware.NewAuthMiddleware(cfg.AuthSecretKey, cfg.DevMode)
	auth.Use(authMW.Authenticate)

	auth.Handle("/compile", handlerOrStub(cfg.CompileHandler)).Methods(http.MethodPost, http.MethodOptions)
	auth.Handle("/deploy", handlerOrStub(cfg.DeployHandler)).Methods(http.MethodPost, http.MethodOptions)
	auth.Handle("/jobs", handlerOrStub(cfg.ListJobsHandler)).Methods(http.MethodGet, http.MethodOptions)
	auth.Handle("/jobs/{id}", handlerOrStub(cfg.GetJobHandler)).Methods(http.MethodGet, http.MethodOptions)
	auth.Handle("/ws", handlerOrStub(cfg.WSHandler)).Methods(http.MethodGet)

	return r
}

// handlerOrStub returns the provided handler if non-nil, otherwise a stub
// that responds with 501 Not Implemented.
func handlerOrStub(h http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Error(w, http.StatusNotImplemented, "not_implemented", "this endpoint is not yet implemented")
	})
}

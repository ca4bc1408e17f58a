package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/orchestrator"
	"thefolder.dev/internal/ratelimit"
	"thefolder.dev/internal/usage"
)

const serviceName = "thefolder-api"

// ReadyProbe is the readiness check behind /readyz.
type ReadyProbe struct {
	DB     *sql.DB
	Checks []func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	for _, check := range rp.Checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Auth         *auth.Service
	Orchestrator *orchestrator.Orchestrator
	Ledger       *usage.Ledger
	Chat         chat.Repository
	Limiter      ratelimit.Limiter
	Ready        ReadyProbe
}

// API is the HTTP layer.
type API struct {
	mux          *http.ServeMux
	auth         *auth.Service
	orch         *orchestrator.Orchestrator
	ledger       *usage.Ledger
	chat         chat.Repository
	limiter      ratelimit.Limiter
	readyProbe   ReadyProbe
	version      string
	basePath     string
	origins      []string
	ipPerMinute  int
	maxBodyBytes int64
	routes       RouteLimits
}

type Option func(*API)

// WithBasePath mounts every protected route under prefix, e.g. "/api/v1".
func WithBasePath(prefix string) Option {
	return func(a *API) { a.basePath = "/" + strings.Trim(prefix, "/") }
}

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

func WithAllowedOrigins(origins []string) Option { return func(a *API) { a.origins = origins } }

// WithIPLimit sets the per client IP limit; zero disables it.
func WithIPLimit(perMinute int) Option { return func(a *API) { a.ipPerMinute = perMinute } }

func WithRouteLimits(l RouteLimits) Option { return func(a *API) { a.routes = l } }

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(d Deps, opts ...Option) (*API, error) {
	if d.Auth == nil || d.Orchestrator == nil || d.Ledger == nil || d.Chat == nil {
		return nil, errors.New("httpapi: auth, orchestrator, ledger and chat are required")
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewLocal()
	}
	a := &API{
		mux:          http.NewServeMux(),
		auth:         d.Auth,
		orch:         d.Orchestrator,
		ledger:       d.Ledger,
		chat:         d.Chat,
		limiter:      d.Limiter,
		readyProbe:   d.Ready,
		version:      "dev",
		origins:      []string{"*"},
		ipPerMinute:  100,
		maxBodyBytes: 1 << 20,
		routes:       DefaultRouteLimits,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.basePath == "/" {
		a.basePath = ""
	}
	a.routesInit()
	return a, nil
}

func (a *API) routesInit() {
	p := a.basePath

	// health/ready/info
	a.mux.HandleFunc("GET /{$}", a.Root)
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// completions
	a.mux.Handle("POST "+p+"/completions", a.protect("completion", a.routes.Completion, a.createCompletion))
	a.mux.Handle("POST "+p+"/chat/completion", a.protect("completion", a.routes.Completion, a.createCompletion))
	a.mux.Handle("POST "+p+"/chat/stream", a.protect("stream", a.routes.Stream, a.streamCompletion))

	// sessions
	a.mux.Handle("POST "+p+"/chat/sessions", a.protect("sessions", 0, a.createSession))
	a.mux.Handle("GET "+p+"/chat/sessions", a.protect("sessions", 0, a.listSessions))
	a.mux.Handle("GET "+p+"/chat/sessions/{id}", a.protect("sessions", 0, a.getSession))
	a.mux.Handle("POST "+p+"/chat/sessions/{id}/messages", a.protect("messages", a.routes.Messages, a.sendMessage))
	a.mux.Handle("PUT "+p+"/chat/sessions/{id}/title", a.protect("sessions", 0, a.renameSession))
	a.mux.Handle("DELETE "+p+"/chat/sessions/{id}", a.protect("sessions", 0, a.deleteSession))

	// account
	a.mux.Handle("GET "+p+"/users/profile", a.protect("users", 0, a.profile))
	a.mux.Handle("GET "+p+"/users/api-keys", a.protect("users", 0, a.listAPIKeys))
	a.mux.Handle("POST "+p+"/users/api-keys", a.protect("users", 0, a.issueAPIKey))
	a.mux.Handle("DELETE "+p+"/users/api-keys/{id}", a.protect("users", 0, a.revokeAPIKey))
	a.mux.Handle("GET "+p+"/users/usage", a.protect("users", 0, a.usageStats))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, string(orchestrator.KindNotFound), "resource not found")
	})
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.limiter, a.ipPerMinute)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"message": serviceName + " is running",
		"version": a.version,
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"churchops.org/internal/access"
	"churchops.org/internal/ai"
	"churchops.org/internal/auth"
	"churchops.org/internal/events"
	"churchops.org/internal/obs"
)

const serviceName = "churchops-api"

// Pinger reports readiness of one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks every named dependency.
type ReadyProbe map[string]Pinger

func (rp ReadyProbe) Check(ctx context.Context) error {
	for name, p := range rp {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Records is the scoped listing and write surface behind the resource
// routes.
type Records interface {
	ListScoped(ctx context.Context, kind auth.ScopeKind, scope auth.Scope, id int64, limit int) ([]any, error)
	CreateOrder(ctx context.Context, userID int64, reference string, total int64) (int64, error)
	CreateSoulWon(ctx context.Context, name string, lifeCenterID, wonBy int64) (int64, error)
	CreateAppointment(ctx context.Context, requesterID, userID int64, purpose string, at time.Time) (int64, error)
	CancelAppointment(ctx context.Context, scope auth.Scope, id int64) error
	UpdateAvailability(ctx context.Context, scope auth.Scope, id int64, startsAt time.Time) error
	AccessLevels(ctx context.Context) ([]auth.AccessLevel, error)
	CreateAccessLevel(ctx context.Context, name string, perms auth.Permissions) (auth.AccessLevel, error)
}

// Deps are the services the HTTP layer routes to. Nil AI services turn
// the corresponding routes into 503s.
type Deps struct {
	Guard       *access.Guard
	Users       auth.UserStore
	Tokens      *auth.TokenService
	Records     Records
	Chat        *ai.ChatService
	Tools       *ai.ReadOnlyService
	Usage       *ai.UsageService
	Idempotency *ai.Idempotency
	Hub         *events.Hub
	Ready       ReadyProbe
	Version     string

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
}

// API is the HTTP layer.
type API struct {
	deps   Deps
	router chi.Router
}

func New(deps Deps) *API {
	a := &API{deps: deps}
	a.router = a.routes()
	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.deps.MaxBodyBytes)
	h = RateLimit(h, a.deps.RateLimitBurst, a.deps.RateLimitRPS)
	return obs.Instrument(RequestID(h))
}

func (a *API) routes() chi.Router {
	g := a.deps.Guard
	r := chi.NewRouter()
	r.Use(LoggingJSON, middleware.Recoverer, SecurityHeaders, CORS(a.deps.CORSOrigins))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Post("/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(g.Protect)
		r.Get("/auth/me", a.handleMe)
		r.Post("/ai/chat", a.handleChat)
		r.Get("/ai/tools", a.handleTools)
		r.Post("/ai/tools/query", a.handleToolQuery)
		r.Get("/ai/usage", a.handleUsage)
	})
	r.With(g.CheckPermission(auth.DomainSettings, auth.ActionView, "")).Get("/ai/usage/stream", a.handleUsageStream)

	r.With(g.Members(auth.ActionView)).Get("/members", a.list(auth.ScopeMember))
	r.With(g.Members(auth.ActionView)).Get("/members/{id}", a.show(auth.ScopeMember))
	r.With(g.Visitors(auth.ActionView)).Get("/visitors", a.list(auth.ScopeVisitor))
	r.With(g.Visitors(auth.ActionView)).Get("/visitors/{id}", a.show(auth.ScopeVisitor))
	r.With(g.Appointments(auth.ActionView)).Get("/appointments", a.list(auth.ScopeAppointment))
	r.With(g.Appointments(auth.ActionManage)).Post("/appointments", a.handleCreateAppointment)
	r.With(g.Appointments(auth.ActionManage)).Delete("/appointments/{id}", a.handleCancelAppointment)
	r.With(g.Appointments(auth.ActionManage)).Put("/availability/{id}", a.handleUpdateAvailability)
	r.With(g.Assets(auth.ActionView)).Get("/assets", a.list(auth.ScopeAsset))
	r.With(g.Assets(auth.ActionView)).Get("/assets/{id}", a.show(auth.ScopeAsset))
	r.With(g.LifeCenter(auth.ActionView)).Get("/life-centers/souls", a.list(auth.ScopeLifeCenter))
	r.With(g.LifeCenter(auth.ActionManage)).Post("/life-centers/souls", a.handleCreateSoul)
	r.With(g.Programs(auth.ActionView)).Get("/programs", a.list(auth.ScopeProgram))
	r.With(g.Programs(auth.ActionView)).Get("/programs/{id}", a.show(auth.ScopeProgram))
	r.With(g.Orders(auth.ActionView)).Get("/orders", a.list(auth.ScopeOrder))
	r.With(g.Orders(auth.ActionManage)).Post("/orders", a.handleCreateOrder)

	r.With(g.CheckPermission(auth.DomainAccessLevels, auth.ActionView, "")).Get("/access-levels", a.handleAccessLevels)
	r.With(g.CheckPermission(auth.DomainAccessLevels, auth.ActionManage, "")).Post("/access-levels", a.handleCreateAccessLevel)
	r.With(g.CheckPermission(auth.DomainAccessLevels, auth.ActionManage, "")).Post("/access-levels/validate", a.handleValidatePermissions)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeData wraps v in the {"data": ...} envelope.
func writeData(w http.ResponseWriter, code int, v any) {
	writeJSON(w, code, map[string]any{"data": v})
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body", auth.ErrInvalidInput)
	}
	return nil
}

func actorOf(r *http.Request) *auth.Actor { return access.ActorFrom(r.Context()) }

func trimmed(s string) string { return strings.TrimSpace(s) }

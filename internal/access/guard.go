// Package access resolves the caller of a request and derives the row
// scope each resource handler must honour. Every refusal is a 401 with
// {message, data:null}.
package access

import (
	"context"
	"encoding/json"
	"net/http"

	"churchops.org/internal/auth"
	"churchops.org/internal/obs"
)

const (
	msgUnauthorized   = "Unauthorized"
	msgSessionExpired = "Session Expired"
	msgNotPermitted   = "You are not authorized to perform this action"
)

// TokenVerifier checks a bearer token and returns its claims and subject
// id.
type TokenVerifier interface {
	Verify(token string) (map[string]any, int64, error)
}

// Guard builds actors and scopes for protected routes.
type Guard struct {
	tokens    TokenVerifier
	users     auth.UserStore
	resources auth.ResourceStore
}

// NewGuard wires the guard to its token verifier and lookups.
func NewGuard(tokens TokenVerifier, users auth.UserStore, resources auth.ResourceStore) *Guard {
	return &Guard{tokens: tokens, users: users, resources: resources}
}

// AccessContext resolves the actor for r. On failure it writes the 401
// response and returns false; the caller must stop. A request that
// already carries an actor is returned unchanged.
func (g *Guard) AccessContext(w http.ResponseWriter, r *http.Request) (*http.Request, *auth.Actor, bool) {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return r, actor, true
	}
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		deny(w, r, msgUnauthorized, "", "")
		return r, nil, false
	}
	claims, userID, err := g.tokens.Verify(token)
	if err != nil {
		deny(w, r, msgSessionExpired, "", "")
		return r, nil, false
	}
	user, err := g.users.UserByID(r.Context(), userID)
	if err != nil || user == nil {
		if err != nil {
			obs.Warn("actor lookup failed", map[string]any{"user_id": userID, "error": err.Error()})
		}
		deny(w, r, msgSessionExpired, "", "")
		return r, nil, false
	}
	actor := auth.NewActor(user, claims)
	ctx := auth.ContextWithActor(r.Context(), actor)
	ctx = auth.ContextWithToken(ctx, token)
	return r.WithContext(ctx), actor, true
}

// Protect requires a valid actor and attaches it to the request.
func (g *Guard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _, ok := g.AccessContext(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CheckPermission requires a privileged actor holding action on domain.
func (g *Guard) CheckPermission(domain string, action auth.Action, message string) func(http.Handler) http.Handler {
	if message == "" {
		message = msgNotPermitted
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, actor, ok := g.AccessContext(w, r)
			if !ok {
				return
			}
			if !actor.Can(domain, action) {
				deny(w, r, message, domain, action)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withScope(r *http.Request, kind auth.ScopeKind, scope auth.Scope) *http.Request {
	return r.WithContext(auth.ContextWithScope(r.Context(), kind, scope))
}

func deny(w http.ResponseWriter, r *http.Request, message, domain string, action auth.Action) {
	fields := map[string]any{"path": r.URL.Path, "method": r.Method, "reason": message}
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		fields["actor_id"] = actor.UserID
	}
	if domain != "" {
		fields["domain"] = domain
		fields["action"] = string(action)
	}
	obs.Info("access denied", fields)
	obs.AccessDenied(domain, string(action))
	writeDenied(w, message)
}

func writeDenied(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": message, "data": nil})
}

// ActorFrom is a convenience for handlers behind the guard.
func ActorFrom(ctx context.Context) *auth.Actor {
	actor, _ := auth.ActorFromContext(ctx)
	return actor
}

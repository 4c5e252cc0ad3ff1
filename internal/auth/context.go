package auth

import (
	"context"
	"sort"
)

type actorContextKey struct{}
type tokenContextKey struct{}
type scopeContextKey struct{ kind ScopeKind }

// Actor is the authenticated caller for one request.
type Actor struct {
	UserID         int64
	Claims         map[string]any
	Permissions    Permissions
	Privileged     bool
	DepartmentIDs  []int64
	LifeCenterIDs  []int64
	MinistryWorker bool
	UserCategory   string
}

// NewActor derives the request actor from a loaded user and the verified
// token claims. Privilege requires the user flag, an access level id and
// the loaded access relation.
func NewActor(u *User, claims map[string]any) *Actor {
	a := &Actor{
		UserID:         u.ID,
		Claims:         claims,
		Permissions:    NewPermissions(nil),
		MinistryWorker: u.MinistryWorker,
		UserCategory:   u.UserCategory,
		LifeCenterIDs:  uniqueIDs(u.LifeCenterIDs),
	}
	if u.Access != nil {
		a.Permissions = u.Access.Permissions
	}
	a.Privileged = u.IsUser && u.AccessLevelID > 0 && u.Access != nil

	depts := append([]int64(nil), u.PositionDeptIDs...)
	if u.DepartmentID > 0 {
		depts = append(depts, u.DepartmentID)
	}
	a.DepartmentIDs = uniqueIDs(depts)
	return a
}

// Can reports whether the actor holds a blanket grant for action on
// domain.
func (a *Actor) Can(domain string, action Action) bool {
	if a == nil {
		return false
	}
	return a.Privileged && HasActionPermission(a.Permissions, domain, action)
}

// InDepartment reports whether id is one of the actor's departments.
func (a *Actor) InDepartment(id int64) bool {
	for _, d := range a.DepartmentIDs {
		if d == id {
			return true
		}
	}
	return false
}

// RequestUser mirrors the claims attached to a request for downstream
// handlers: the token claims overlaid with id, permissions and profile
// flags.
func (a *Actor) RequestUser() map[string]any {
	out := make(map[string]any, len(a.Claims)+4)
	for k, v := range a.Claims {
		out[k] = v
	}
	out["id"] = a.UserID
	out["permissions"] = a.Permissions.Raw()
	out["ministry_worker"] = a.MinistryWorker
	out["user_category"] = a.UserCategory
	return out
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ContextWithActor attaches the authenticated actor to the context.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithScope attaches the scope derived for kind. A later call for
// the same kind replaces the earlier one.
func ContextWithScope(ctx context.Context, kind ScopeKind, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{kind: kind}, scope)
}

// ScopeFromContext returns the scope attached for kind.
func ScopeFromContext(ctx context.Context, kind ScopeKind) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	v, ok := ctx.Value(scopeContextKey{kind: kind}).(Scope)
	return v, ok
}

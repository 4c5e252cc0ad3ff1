package access

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"churchops.org/internal/auth"
)

const testSecret = "access-test-secret"

type fakeUsers struct {
	users map[int64]*auth.User
	err   error
}

func (f *fakeUsers) UserByID(_ context.Context, id int64) (*auth.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) UserByEmail(context.Context, string) (*auth.User, error) {
	return nil, auth.ErrNotFound
}

type fakeResources struct {
	visitors     map[int64]*auth.Visitor
	appointments map[int64]*auth.Booking
	availability map[int64]*auth.Booking
	assets       map[int64]*auth.Asset
	souls        map[int64]*auth.SoulWon
	programs     map[int64]*auth.Program
	calls        map[string]int
}

func newFakeResources() *fakeResources {
	return &fakeResources{
		visitors:     map[int64]*auth.Visitor{},
		appointments: map[int64]*auth.Booking{},
		availability: map[int64]*auth.Booking{},
		assets:       map[int64]*auth.Asset{},
		souls:        map[int64]*auth.SoulWon{},
		programs:     map[int64]*auth.Program{},
		calls:        map[string]int{},
	}
}

func lookup[T any](f *fakeResources, kind string, m map[int64]*T, id int64) (*T, error) {
	f.calls[kind]++
	v, ok := m[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return v, nil
}

func (f *fakeResources) Visitor(_ context.Context, id int64) (*auth.Visitor, error) {
	return lookup(f, "visitor", f.visitors, id)
}
func (f *fakeResources) Appointment(_ context.Context, id int64) (*auth.Booking, error) {
	return lookup(f, "appointment", f.appointments, id)
}
func (f *fakeResources) Availability(_ context.Context, id int64) (*auth.Booking, error) {
	return lookup(f, "availability", f.availability, id)
}
func (f *fakeResources) Asset(_ context.Context, id int64) (*auth.Asset, error) {
	return lookup(f, "asset", f.assets, id)
}
func (f *fakeResources) SoulWon(_ context.Context, id int64) (*auth.SoulWon, error) {
	return lookup(f, "soul_won", f.souls, id)
}
func (f *fakeResources) Program(_ context.Context, id int64) (*auth.Program, error) {
	return lookup(f, "program", f.programs, id)
}

type fixture struct {
	guard     *Guard
	tokens    *auth.TokenService
	users     *fakeUsers
	resources *fakeResources
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := auth.NewTokenService(testSecret)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	users := &fakeUsers{users: map[int64]*auth.User{}}
	res := newFakeResources()
	return &fixture{guard: NewGuard(tokens, users, res), tokens: tokens, users: users, resources: res}
}

// privileged registers a user holding the given permission object.
func (f *fixture) privileged(id int64, perms map[string]any) {
	f.users.users[id] = &auth.User{
		ID:            id,
		IsUser:        true,
		AccessLevelID: 1,
		Access:        &auth.AccessLevel{ID: 1, Permissions: auth.NewPermissions(perms)},
	}
}

func (f *fixture) plain(id int64) *auth.User {
	u := &auth.User{ID: id}
	f.users.users[id] = u
	return u
}

func (f *fixture) token(t *testing.T, id int64) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(id, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

type captured struct {
	called bool
	scope  auth.Scope
	body   string
}

// serve mounts mw on pattern and performs one request.
func serve(t *testing.T, mw func(http.Handler) http.Handler, kind auth.ScopeKind, method, pattern, target, token, body string) (*httptest.ResponseRecorder, *captured) {
	t.Helper()
	got := &captured{}
	r := chi.NewRouter()
	r.With(mw).MethodFunc(method, pattern, func(w http.ResponseWriter, req *http.Request) {
		got.called = true
		got.scope, _ = auth.ScopeFromContext(req.Context(), kind)
		data, _ := io.ReadAll(req.Body)
		got.body = string(data)
		w.WriteHeader(http.StatusOK)
	})
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec, got
}

func assertDenied(t *testing.T, rec *httptest.ResponseRecorder, got *captured) {
	t.Helper()
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if got != nil && got.called {
		t.Fatalf("next must not be called on denial")
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if _, ok := payload["message"].(string); !ok {
		t.Fatalf("missing message: %v", payload)
	}
	if v, ok := payload["data"]; !ok || v != nil {
		t.Fatalf("expected data:null, got %v", payload)
	}
}

func TestAccessContextFailures(t *testing.T) {
	f := newFixture(t)
	f.privileged(1, map[string]any{"Members": "Super_Admin"})
	mw := f.guard.Protect

	rec, got := serve(t, mw, auth.ScopeMember, http.MethodGet, "/x", "/x", "", "")
	assertDenied(t, rec, got)
	if !strings.Contains(rec.Body.String(), "Unauthorized") {
		t.Fatalf("expected Unauthorized message, got %s", rec.Body.String())
	}

	rec, got = serve(t, mw, auth.ScopeMember, http.MethodGet, "/x", "/x", "garbage", "")
	assertDenied(t, rec, got)
	if !strings.Contains(rec.Body.String(), "Session Expired") {
		t.Fatalf("expected Session Expired, got %s", rec.Body.String())
	}

	// valid token for a user that does not exist
	rec, got = serve(t, mw, auth.ScopeMember, http.MethodGet, "/x", "/x", f.token(t, 99), "")
	assertDenied(t, rec, got)

	// lookup error is a 401, never a 500
	f.users.err = errors.New("db down")
	rec, got = serve(t, mw, auth.ScopeMember, http.MethodGet, "/x", "/x", f.token(t, 1), "")
	assertDenied(t, rec, got)
	if !strings.Contains(rec.Body.String(), "Session Expired") {
		t.Fatalf("expected Session Expired, got %s", rec.Body.String())
	}
}

func TestProtectAttachesActor(t *testing.T) {
	f := newFixture(t)
	f.privileged(4, map[string]any{"Members": "Can_View"})
	var actor *auth.Actor
	r := chi.NewRouter()
	r.With(f.guard.Protect).Get("/me", func(w http.ResponseWriter, req *http.Request) {
		actor = ActorFrom(req.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, 4))
	r.ServeHTTP(httptest.NewRecorder(), req)
	if actor == nil || actor.UserID != 4 || !actor.Privileged {
		t.Fatalf("unexpected actor %+v", actor)
	}
	if actor.RequestUser()["permissions"].(map[string]any)["Members"] != "Can_View" {
		t.Fatalf("permissions not attached")
	}
}

func TestCheckPermissionManageMembers(t *testing.T) {
	f := newFixture(t)
	f.privileged(1, map[string]any{"Members": "Can_View"})
	f.privileged(2, map[string]any{"Members": "Can_Manage"})
	mw := f.guard.CheckPermission(auth.DomainMembers, auth.ActionManage, "Cannot manage members")

	rec, got := serve(t, mw, auth.ScopeMember, http.MethodPut, "/members/{id}", "/members/5", f.token(t, 1), "")
	assertDenied(t, rec, got)
	if !strings.Contains(rec.Body.String(), "Cannot manage members") {
		t.Fatalf("expected custom message, got %s", rec.Body.String())
	}

	rec, got = serve(t, mw, auth.ScopeMember, http.MethodPut, "/members/{id}", "/members/5", f.token(t, 2), "")
	if rec.Code != http.StatusOK || !got.called {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func TestCheckPermissionRequiresPrivilege(t *testing.T) {
	f := newFixture(t)
	u := f.plain(3)
	u.Access = &auth.AccessLevel{ID: 1, Permissions: auth.NewPermissions(map[string]any{"Members": "Super_Admin"})}
	mw := f.guard.CheckPermission(auth.DomainMembers, auth.ActionView, "")
	rec, got := serve(t, mw, auth.ScopeMember, http.MethodGet, "/members", "/members", f.token(t, 3), "")
	assertDenied(t, rec, got)
}

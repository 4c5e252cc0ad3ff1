package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"churchops.org/internal/access"
	"churchops.org/internal/ai"
	"churchops.org/internal/auth"
	"churchops.org/internal/events"
	"churchops.org/internal/store/cache"
)

const (
	adminID  int64 = 1
	memberID int64 = 2
	otherID  int64 = 3

	adminPassword = "correct horse battery"
)

type fakeUsers map[int64]*auth.User

func (f fakeUsers) UserByID(_ context.Context, id int64) (*auth.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, auth.ErrNotFound
}

func (f fakeUsers) UserByEmail(_ context.Context, email string) (*auth.User, error) {
	for _, u := range f {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, auth.ErrNotFound
}

type noResources struct{}

func (noResources) Visitor(context.Context, int64) (*auth.Visitor, error) { return nil, auth.ErrNotFound }
func (noResources) Appointment(context.Context, int64) (*auth.Booking, error) {
	return nil, auth.ErrNotFound
}
func (noResources) Availability(context.Context, int64) (*auth.Booking, error) {
	return nil, auth.ErrNotFound
}
func (noResources) Asset(context.Context, int64) (*auth.Asset, error)     { return nil, auth.ErrNotFound }
func (noResources) SoulWon(context.Context, int64) (*auth.SoulWon, error) { return nil, auth.ErrNotFound }
func (noResources) Program(context.Context, int64) (*auth.Program, error) { return nil, auth.ErrNotFound }

// bookingResources serves appointment lookups from the fake records.
type bookingResources struct {
	noResources
	records *fakeRecords
}

func (b bookingResources) Appointment(_ context.Context, id int64) (*auth.Booking, error) {
	b.records.mu.Lock()
	defer b.records.mu.Unlock()
	if bk, ok := b.records.bookings[id]; ok {
		return bk, nil
	}
	return nil, auth.ErrNotFound
}

type orderCall struct {
	userID    int64
	reference string
	total     int64
}

type fakeRecords struct {
	mu     sync.Mutex
	scopes map[auth.ScopeKind]auth.Scope
	ids    map[auth.ScopeKind]int64
	rows   []any
	orders []orderCall
	levels []auth.AccessLevel

	bookings  map[int64]*auth.Booking
	cancelled []int64
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		scopes:   map[auth.ScopeKind]auth.Scope{},
		ids:      map[auth.ScopeKind]int64{},
		bookings: map[int64]*auth.Booking{},
	}
}

// bookingInScope mirrors the appointment filter the store applies.
func bookingInScope(scope auth.Scope, b *auth.Booking) bool {
	switch scope.Mode {
	case auth.ModeAll:
		return !slices.Contains(scope.Exclusions, b.UserID)
	case auth.ModeOwn:
		return b.UserID == scope.UserID || b.RequesterID == scope.UserID
	}
	return false
}

func (f *fakeRecords) ListScoped(_ context.Context, kind auth.ScopeKind, scope auth.Scope, id int64, _ int) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes[kind] = scope
	f.ids[kind] = id
	return f.rows, nil
}

func (f *fakeRecords) CreateOrder(_ context.Context, userID int64, reference string, total int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, orderCall{userID, reference, total})
	return int64(len(f.orders)), nil
}

func (f *fakeRecords) CreateSoulWon(context.Context, string, int64, int64) (int64, error) {
	return 1, nil
}

func (f *fakeRecords) CreateAppointment(context.Context, int64, int64, string, time.Time) (int64, error) {
	return 1, nil
}

func (f *fakeRecords) CancelAppointment(_ context.Context, scope auth.Scope, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok || !bookingInScope(scope, b) {
		return auth.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeRecords) UpdateAvailability(context.Context, auth.Scope, int64, time.Time) error { return nil }

func (f *fakeRecords) AccessLevels(context.Context) ([]auth.AccessLevel, error) {
	return f.levels, nil
}

func (f *fakeRecords) CreateAccessLevel(_ context.Context, name string, perms auth.Permissions) (auth.AccessLevel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lvl := auth.AccessLevel{ID: int64(len(f.levels) + 1), Name: name, Permissions: perms, CreatedAt: time.Now().UTC()}
	f.levels = append(f.levels, lvl)
	return lvl, nil
}

type countingProvider struct {
	mu     sync.Mutex
	calls  int
	err    error
	panics bool
}

func (p *countingProvider) Name() string { return "openai" }

func (p *countingProvider) Complete(context.Context, ai.ProviderRequest) (*ai.ProviderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.panics {
		p.panics = false
		panic("provider blew up")
	}
	if p.err != nil {
		return nil, p.err
	}
	return &ai.ProviderResponse{
		Provider: "openai", Model: "gpt-4o-mini", Text: "Sunday attendance was 120.",
		Usage: ai.TokenUsage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
	}, nil
}

type staticSource struct{}

func (staticSource) Run(_ context.Context, q ai.Query) (map[string]any, error) {
	return map[string]any{"total": 7, "module": q.Contract.Module}, nil
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	tokens   *auth.TokenService
	records  *fakeRecords
	provider *countingProvider
	hub      *events.Hub
}

func newHarness(t *testing.T, usageOpts ...ai.UsageOption) *harness {
	t.Helper()
	hash, err := auth.HashPassword(adminPassword)
	require.NoError(t, err)

	adminPerms := auth.NewPermissions(map[string]any{
		"Members":       "Super_Admin",
		"Marketplace":   "Can_Manage",
		"Access_Levels": "Can_Manage",
		"Settings":      "Can_View",
		"exclusions":    map[string]any{"Members": []any{float64(otherID)}},
	})
	users := fakeUsers{
		adminID: {
			ID: adminID, Name: "Admin", Email: "admin@church.example", PasswordHash: hash,
			IsUser: true, AccessLevelID: 1,
			Access: &auth.AccessLevel{ID: 1, Name: "Administrator", Permissions: adminPerms},
		},
		memberID: {ID: memberID, Name: "Member", Email: "member@church.example"},
		otherID:  {ID: otherID, Name: "Other", Email: "other@church.example"},
	}

	tokens, err := auth.NewTokenService("handler-test-secret")
	require.NoError(t, err)

	h := &harness{
		t:        t,
		tokens:   tokens,
		records:  newFakeRecords(),
		provider: &countingProvider{},
		hub:      events.NewHub(),
	}
	usage := ai.NewUsageService(ai.NewMemoryQuotaStore(), usageOpts...)
	tools := ai.NewReadOnlyService(nil, staticSource{})
	chat := ai.NewChatService(ai.NewPolicy(), usage, h.provider, ai.NewMemoryConversationStore(),
		ai.WithTools(tools), ai.WithPublisher(h.hub))

	api := New(Deps{
		Guard:          access.NewGuard(tokens, users, bookingResources{records: h.records}),
		Users:          users,
		Tokens:         tokens,
		Records:        h.records,
		Chat:           chat,
		Tools:          tools,
		Usage:          usage,
		Idempotency:    ai.NewIdempotency(cache.NewMemory(), time.Hour),
		Hub:            h.hub,
		Version:        "test",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		MaxBodyBytes:   1 << 20,
	})
	h.srv = httptest.NewServer(api.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(userID int64) string {
	h.t.Helper()
	tok, _, err := h.tokens.Issue(userID, nil)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, token string, body any, headers map[string]string) (*http.Response, map[string]any) {
	h.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndInfo(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, body = h.do(http.MethodGet, "/readyz", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])

	resp, body = h.do(http.MethodGet, "/nowhere", "", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "resource not found", body["message"])
}

func TestLoginAndMe(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(http.MethodPost, "/auth/login", "", map[string]any{
		"email": "Admin@Church.example", "password": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Invalid email or password", body["message"])

	resp, body = h.do(http.MethodPost, "/auth/login", "", map[string]any{
		"email": "admin@church.example", "password": adminPassword,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	token, _ := data["token"].(string)
	require.NotEmpty(t, token)

	resp, body = h.do(http.MethodGet, "/auth/me", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := body["data"].(map[string]any)
	require.EqualValues(t, adminID, me["id"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/auth/me", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Unauthorized", body["message"])
	require.Nil(t, body["data"])

	resp, body = h.do(http.MethodGet, "/ai/usage", "not-a-jwt", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Session Expired", body["message"])
}

func TestMemberListScopes(t *testing.T) {
	h := newHarness(t)
	h.records.rows = []any{map[string]any{"id": 2}}

	resp, _ := h.do(http.MethodGet, "/members", h.token(adminID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scope := h.records.scopes[auth.ScopeMember]
	require.Equal(t, auth.ModeAll, scope.Mode)
	require.Equal(t, []int64{otherID}, scope.Exclusions)

	resp, _ = h.do(http.MethodGet, "/members", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, auth.OwnScope(memberID), h.records.scopes[auth.ScopeMember])

	resp, body := h.do(http.MethodGet, "/members/3", h.token(adminID), nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "You are not authorized to access this member", body["message"])

	resp, body = h.do(http.MethodGet, "/members/2", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(2), h.records.ids[auth.ScopeMember])
	require.NotNil(t, body["data"])
}

func TestCancelAppointmentHonoursScope(t *testing.T) {
	h := newHarness(t)
	h.records.bookings[55] = &auth.Booking{ID: 55, RequesterID: otherID, UserID: otherID}
	h.records.bookings[56] = &auth.Booking{ID: 56, RequesterID: otherID}
	h.records.bookings[57] = &auth.Booking{ID: 57, RequesterID: otherID, UserID: memberID}

	resp, _ := h.do(http.MethodDelete, "/appointments/55", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// naming oneself as attendee does not unlock someone else's booking
	resp, _ = h.do(http.MethodDelete, "/appointments/55?user_id=2", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(http.MethodDelete, "/appointments/56", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, h.records.cancelled)

	resp, body := h.do(http.MethodDelete, "/appointments/57", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", body["data"].(map[string]any)["status"])
	require.Equal(t, []int64{57}, h.records.cancelled)
}

func TestShowMissingRecordIs404(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(http.MethodGet, "/members/2", h.token(adminID), nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateOrderFillsOwner(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(http.MethodPost, "/orders", h.token(memberID), map[string]any{
		"reference": "ORD-1", "total": 2500,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.EqualValues(t, memberID, body["data"].(map[string]any)["user_id"])
	require.Equal(t, orderCall{memberID, "ORD-1", 2500}, h.records.orders[0])

	resp, _ = h.do(http.MethodPost, "/orders", h.token(memberID), map[string]any{
		"user_id": otherID, "reference": "ORD-2", "total": 1,
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/orders", h.token(adminID), map[string]any{
		"user_id": otherID, "reference": "ORD-3", "total": 10,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, otherID, h.records.orders[1].userID)

	resp, body = h.do(http.MethodPost, "/orders", h.token(adminID), map[string]any{"total": 10}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["message"], "reference")
}

func TestAccessLevels(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(http.MethodPost, "/access-levels", h.token(memberID), map[string]any{"name": "Ushers"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := h.do(http.MethodPost, "/access-levels", h.token(adminID), map[string]any{
		"name":        "Ushers",
		"permissions": map[string]any{"Members": "Can_View", "Visitors": "nope"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["message"], "unsupported permission")

	resp, body = h.do(http.MethodPost, "/access-levels", h.token(adminID), map[string]any{
		"name":        " Ushers ",
		"permissions": map[string]any{"Members": "Can_View", "exclusions": map[string]any{"Members": []any{"4", 4, -1}}},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "/access-levels/1", resp.Header.Get("Location"))
	lvl := body["data"].(map[string]any)
	require.Equal(t, "Ushers", lvl["name"])
	perms := lvl["permissions"].(map[string]any)
	require.Equal(t, "Can_View", perms["Members"])

	resp, body = h.do(http.MethodGet, "/access-levels", h.token(adminID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["data"], 1)

	resp, body = h.do(http.MethodPost, "/access-levels/validate", h.token(adminID), map[string]any{
		"Programs": " Can_Manage ",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Can_Manage", body["data"].(map[string]any)["Programs"])
}

func TestChatIdempotency(t *testing.T) {
	h := newHarness(t)
	tok := h.token(memberID)
	key := map[string]string{idempotencyHeader: "retry-1"}
	payload := map[string]any{"message": "How many came on Sunday?"}

	resp, first := h.do(http.MethodPost, "/ai/chat", tok, payload, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := first["data"].(map[string]any)
	require.Equal(t, "Sunday attendance was 120.", reply["reply"])
	require.True(t, strings.HasPrefix(reply["conversation_id"].(string), "conv_"))

	resp, second := h.do(http.MethodPost, "/ai/chat", tok, payload, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	require.Equal(t, first, second)
	require.Equal(t, 1, h.provider.calls)

	resp, body := h.do(http.MethodPost, "/ai/chat", tok, map[string]any{"message": "Something else"}, key)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, body["message"], "different payload")

	resp, _ = h.do(http.MethodPost, "/ai/chat", h.token(otherID), payload, key)
	require.Equal(t, http.StatusOK, resp.StatusCode, "keys are per actor")
	require.Equal(t, 2, h.provider.calls)
}

func TestChatProviderFailureReleasesKey(t *testing.T) {
	h := newHarness(t)
	h.provider.err = &ai.ProviderError{Provider: "openai", Status: 500, Message: "upstream"}
	tok := h.token(memberID)
	key := map[string]string{idempotencyHeader: "retry-2"}
	payload := map[string]any{"message": "hello"}

	resp, _ := h.do(http.MethodPost, "/ai/chat", tok, payload, key)
	require.GreaterOrEqual(t, resp.StatusCode, 500)

	h.provider.err = nil
	resp, _ = h.do(http.MethodPost, "/ai/chat", tok, payload, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Idempotent-Replayed"))
}

func TestChatPanicReleasesKey(t *testing.T) {
	h := newHarness(t)
	h.provider.panics = true
	tok := h.token(memberID)
	key := map[string]string{idempotencyHeader: "retry-3"}
	payload := map[string]any{"message": "hello"}

	resp, _ := h.do(http.MethodPost, "/ai/chat", tok, payload, key)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, body := h.do(http.MethodPost, "/ai/chat", tok, payload, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body["data"])
	require.Equal(t, 2, h.provider.calls)
}

func TestChatValidationAndQuota(t *testing.T) {
	h := newHarness(t, ai.WithLimits(1, 1_000_000))
	tok := h.token(memberID)

	resp, body := h.do(http.MethodPost, "/ai/chat", tok, map[string]any{"message": "   "}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "message", body["data"].(map[string]any)["field"])

	resp, _ = h.do(http.MethodPost, "/ai/chat", tok, map[string]any{"message": "first"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(http.MethodPost, "/ai/chat", tok, map[string]any{"message": "second"}, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
	data := body["data"].(map[string]any)
	require.Contains(t, data, "reset_at")
	snap := data["usage_snapshot"].(map[string]any)
	require.EqualValues(t, 0, snap["messages_remaining"])
}

func TestToolsAndQuery(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(http.MethodGet, "/ai/tools", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	require.Contains(t, data["modules"], "member")
	for _, raw := range data["tools"].([]any) {
		require.Equal(t, false, raw.(map[string]any)["allowed"])
	}

	resp, body = h.do(http.MethodPost, "/ai/tools/query", h.token(memberID), map[string]any{
		"module": "member", "operation": "summary",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = h.do(http.MethodPost, "/ai/tools/query", h.token(adminID), map[string]any{
		"module": " member ", "operation": "summary", "input": map[string]any{"limit": 5},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := body["data"].(map[string]any)
	require.Equal(t, "member", res["module"])
	require.EqualValues(t, 7, res["data"].(map[string]any)["total"])

	resp, body = h.do(http.MethodPost, "/ai/tools/query", h.token(adminID), map[string]any{
		"module": "member", "operation": "summary", "input": map[string]any{"sql": "drop table users"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "member", body["data"].(map[string]any)["module"])

	resp, _ = h.do(http.MethodPost, "/ai/tools/query", h.token(adminID), map[string]any{
		"module": "payroll", "operation": "summary",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUsageSnapshot(t *testing.T) {
	h := newHarness(t, ai.WithLimits(50, 100_000))
	resp, body := h.do(http.MethodGet, "/ai/usage", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "50", resp.Header.Get("X-Usage-Messages-Remaining"))
	snap := body["data"].(map[string]any)
	require.EqualValues(t, 50, snap["message_limit"])
	require.EqualValues(t, 100_000, snap["tokens_remaining"])
}

func TestUsageStreamRequiresSettings(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(http.MethodGet, "/ai/usage/stream", h.token(memberID), nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUsageStreamDeliversEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/ai/usage/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token(adminID))
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "stream started")

	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.hub.PublishUsage(ctx, ai.UsageEvent{UserID: memberID, Provider: "openai", PromptTokens: 3}))

	var got strings.Builder
	for !strings.Contains(got.String(), "\n\n") {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	require.Contains(t, got.String(), "event: ai.usage")
	require.Contains(t, got.String(), `"provider":"openai"`)
}

package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                      "/",
		"/metrics":              "/metrics",
		"/members/12":           "/members/:id",
		"/members/12?user_id=4": "/members/:id",
		"/appointments/7/notes": "/appointments/:id/notes",
		"/ai/chat":              "/ai/chat",
		"/life-centers/souls":   "/life-centers/souls",
		"/v2/access-levels":     "/v2/access-levels",

		"/ai/conversations/conv_01jabcdefghjkmnpqrstvwxyz0": "/ai/conversations/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/members/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members/9", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	metrics := httptest.NewRecorder()
	Handler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(metrics.Body.String(), `path="/members/{id}",status="418"`) {
		t.Fatalf("expected route pattern label in metrics output")
	}
}

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Warn("access denied", map[string]any{"domain": "Members", "msg": "overridden"})
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "access denied" || entry["domain"] != "Members" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"].(string); !ok {
		t.Fatalf("missing ts")
	}
}

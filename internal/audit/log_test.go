package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"churchops.org/internal/auth"
	"churchops.org/internal/obs"
)

func TestRecord(t *testing.T) {
	var buf bytes.Buffer
	obs.SetOutput(&buf)
	defer obs.SetOutput(os.Stdout)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithActor(ctx, auth.NewActor(&auth.User{ID: 42}, nil))

	if err := Record(ctx, "order.created", map[string]any{"order_id": 7}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["type"] != "audit" || entry["event"] != "order.created" || entry["request_id"] != "req-123" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["actor_id"] != float64(42) {
		t.Fatalf("unexpected actor %v", entry["actor_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["order_id"] != float64(7) {
		t.Fatalf("unexpected fields %v", entry["fields"])
	}
}

func TestRecordRequiresEvent(t *testing.T) {
	if err := Record(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event")
	}
	if RequestID(WithRequestID(context.Background(), " ")) != "" {
		t.Fatal("blank request id must not be stored")
	}
}

package ai

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestSanitizeMessage(t *testing.T) {
	p := NewPolicy()
	in := "  Call me at +1 (555) 123-4567 or mail jane.doe@example.org about the 2024-05-01 service  "
	out := p.SanitizeMessage(in)
	if strings.Contains(out, "555") || strings.Contains(out, "jane.doe") {
		t.Fatalf("pii leaked: %q", out)
	}
	if !strings.Contains(out, "[redacted-phone]") || !strings.Contains(out, "[redacted-email]") {
		t.Fatalf("expected placeholders: %q", out)
	}
	if !strings.Contains(out, "2024-05-01") {
		t.Fatalf("dates must survive: %q", out)
	}
	if out != strings.TrimSpace(out) {
		t.Fatalf("expected trimmed output")
	}
	if again := p.SanitizeMessage(out); again != out {
		t.Fatalf("not idempotent:\n%q\n%q", out, again)
	}
	if got := p.SanitizeMessage("ticket 12345 costs 40"); got != "ticket 12345 costs 40" {
		t.Fatalf("short numbers must survive: %q", got)
	}
}

func TestSanitizeMessageParenthesisedPhone(t *testing.T) {
	got := NewPolicy().SanitizeMessage("office (555) 123-4567 today")
	if got != "office [redacted-phone] today" {
		t.Fatalf("unexpected redaction: %q", got)
	}
}

func roundTrip(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSanitizeContextUnderBudgetUnchanged(t *testing.T) {
	ctx := map[string]any{
		"module": "event",
		"scope":  "department",
		"ai_business": map[string]any{
			"knowledge": map[string]any{"events": []any{map[string]any{"id": 1, "name": "Sunday <service> & more"}}},
		},
		"list": []any{1, "two", true, nil, 3.5},
	}
	got := NewPolicy().SanitizeContext(ctx)
	if !reflect.DeepEqual(got, roundTrip(t, ctx)) {
		t.Fatalf("expected unchanged context, got %v", got)
	}
}

func TestSanitizeContextBudgetCountsCharacters(t *testing.T) {
	// 30k two-byte runes: over the budget in bytes, under it in characters
	note := strings.Repeat("é", 30000)
	ctx := map[string]any{"module": "members", "note": note}
	if size := encodedSize(ctx); size >= ContextBudget {
		t.Fatalf("expected %d under budget", size)
	}
	got := NewPolicy().SanitizeContext(ctx)
	if got["note"] != note {
		t.Fatalf("note was pruned to %d chars", len([]rune(fmt.Sprint(got["note"]))))
	}
}

func TestSanitizeContextNonObject(t *testing.T) {
	p := NewPolicy()
	for _, v := range []any{nil, "text", []any{1, 2}, 42, make(chan int)} {
		if got := p.SanitizeContext(v); len(got) != 0 {
			t.Fatalf("%T: expected empty object, got %v", v, got)
		}
	}
}

func TestSanitizeContextPrunesLongStrings(t *testing.T) {
	p := NewPolicy()
	ctx := map[string]any{
		"module": "member",
		"scope":  "all",
		"notes":  strings.Repeat("é", 50000),
	}
	got := p.SanitizeContext(ctx)
	if encodedSize(got) > ContextBudget {
		t.Fatalf("over budget: %d", encodedSize(got))
	}
	notes := got["notes"].(string)
	if len([]rune(notes)) != 900 || !strings.HasSuffix(notes, "...") {
		t.Fatalf("unexpected truncation: %d runes", len([]rune(notes)))
	}
	if got["module"] != "member" || got["scope"] != "all" {
		t.Fatalf("module/scope lost: %v", got)
	}
}

func TestSanitizeContextKnowledgeSummary(t *testing.T) {
	records := make([]any, 50)
	for i := range records {
		records[i] = map[string]any{"id": i + 1, "name": fmt.Sprintf("Member %d", i+1)}
	}
	ctx := map[string]any{
		"module": "attendance",
		"scope":  "all",
		"ai_business": map[string]any{
			"generated_at": "2026-01-04T10:00:00Z",
			"knowledge": map[string]any{
				"attendance": map[string]any{"records": records, "total": 50},
			},
		},
	}
	for _, key := range []string{"padding_a", "padding_b", "padding_c"} {
		pad := make([]any, 20)
		for i := range pad {
			pad[i] = strings.Repeat("x", 900)
		}
		ctx[key] = pad
	}

	got := NewPolicy().SanitizeContext(ctx)
	if size := encodedSize(got); size > ContextBudget {
		t.Fatalf("over budget: %d", size)
	}
	if got["module"] != "attendance" || got["scope"] != "all" {
		t.Fatalf("module/scope lost")
	}
	entry := got["ai_business"].(map[string]any)["knowledge"].(map[string]any)["attendance"].(map[string]any)
	if n := len(entry["records"].([]any)); n != 20 {
		t.Fatalf("expected 20 records, got %d", n)
	}
	summary, _ := entry["records_summary"].(string)
	if !strings.Contains(summary, "50 records found") {
		t.Fatalf("unexpected summary %q", summary)
	}
	if entry["total"] != 50.0 {
		t.Fatalf("scalar fields must survive: %v", entry)
	}
}

func TestSanitizeContextToolResultsAndWarningsCapped(t *testing.T) {
	results := make([]any, 30)
	warnings := make([]any, 30)
	for i := range results {
		results[i] = map[string]any{"blob": strings.Repeat("r", 2000)}
		warnings[i] = fmt.Sprintf("warning %d", i)
	}
	ctx := map[string]any{
		"module":       "finance",
		"tool_results": results,
		"warnings":     warnings,
	}
	for i := 0; i < 5; i++ {
		pad := make([]any, 20)
		for j := range pad {
			pad[j] = strings.Repeat("y", 900)
		}
		ctx[fmt.Sprintf("pad_%d", i)] = pad
	}
	got := NewPolicy().SanitizeContext(ctx)
	if size := encodedSize(got); size > ContextBudget {
		t.Fatalf("over budget: %d", size)
	}
	if n := len(got["tool_results"].([]any)); n != 12 {
		t.Fatalf("expected 12 tool results, got %d", n)
	}
	if n := len(got["warnings"].([]any)); n != 12 {
		t.Fatalf("expected 12 warnings, got %d", n)
	}
}

func hugeContext() map[string]any {
	ctx := map[string]any{
		"module":       "event",
		"scope":        "department",
		"reference_id": "ref-1",
		"ai_business": map[string]any{
			"generated_at":        "2026-01-04T10:00:00Z",
			"module_policy":       "read_only",
			"cross_module_access": false,
			"warnings":            []any{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"},
			"knowledge": map[string]any{
				"attendance_lookup": map[string]any{
					"requested_date":       "2026-01-04",
					"requested_event_name": "Sunday Service",
					"matched_records":      3,
					"totals":               map[string]any{"men": 10, "women": 12},
					"notes":                []any{"1", "2", "3", "4", "5", "6", "7"},
					"raw":                  strings.Repeat("z", 5000),
				},
				"other": "dropped",
			},
		},
	}
	for i := 0; i < 20; i++ {
		blob := make([]any, 8)
		for j := range blob {
			inner := make([]any, 8)
			for k := range inner {
				inner[k] = strings.Repeat("q", 1000)
			}
			blob[j] = inner
		}
		ctx[fmt.Sprintf("blob_%02d", i)] = blob
	}
	return ctx
}

func TestSanitizeContextMinimal(t *testing.T) {
	got := NewPolicy().SanitizeContext(hugeContext())
	if size := encodedSize(got); size > ContextBudget {
		t.Fatalf("over budget: %d", size)
	}
	budget, ok := got["context_budget"].(map[string]any)
	if !ok || budget["strategy"] != "minimal" || budget["truncated"] != true || budget["max_chars"] != ContextBudget {
		t.Fatalf("unexpected context_budget: %v", got["context_budget"])
	}
	if got["cross_module_access"] != true || got["module"] != "event" || got["scope"] != "department" || got["reference_id"] != "ref-1" {
		t.Fatalf("unexpected top level: %v", got)
	}
	if _, ok := got["blob_00"]; ok {
		t.Fatalf("blobs must be dropped")
	}
	biz := got["ai_business"].(map[string]any)
	if n := len(biz["warnings"].([]any)); n != 8 {
		t.Fatalf("expected 8 warnings, got %d", n)
	}
	lookup := biz["knowledge"].(map[string]any)["attendance_lookup"].(map[string]any)
	if _, ok := lookup["raw"]; ok {
		t.Fatalf("raw must be dropped")
	}
	if len(lookup) != 5 || len(lookup["notes"].([]any)) != 5 {
		t.Fatalf("unexpected attendance_lookup: %v", lookup)
	}
	if _, ok := biz["knowledge"].(map[string]any)["other"]; ok {
		t.Fatalf("other knowledge must be dropped")
	}
}

func deepTree(depth int) any {
	if depth == 0 {
		return strings.Repeat("w", 400)
	}
	node := make(map[string]any, 12)
	for i := 0; i < 12; i++ {
		node[fmt.Sprintf("k%02d", i)] = deepTree(depth - 1)
	}
	return node
}

func TestSanitizeContextEmptyWhenMinimalTooLarge(t *testing.T) {
	ctx := hugeContext()
	lookup := ctx["ai_business"].(map[string]any)["knowledge"].(map[string]any)["attendance_lookup"].(map[string]any)
	lookup["totals"] = deepTree(3)
	got := NewPolicy().SanitizeContext(ctx)
	if len(got) != 0 {
		t.Fatalf("expected empty context, got %d keys", len(got))
	}
}

func TestBuildSystemPromptDeterministic(t *testing.T) {
	p := NewPolicy()
	a := p.BuildSystemPrompt(map[string]any{"module": "event", "scope": "own", "ai_business": map[string]any{}})
	b := p.BuildSystemPrompt(map[string]any{"module": "event", "scope": "own", "ai_business": map[string]any{"x": 1}, "other": "ignored"})
	if a != b {
		t.Fatalf("prompt must depend only on module, scope and ai_business presence")
	}
	if c := p.BuildSystemPrompt(map[string]any{"module": "event", "scope": "own"}); c == a {
		t.Fatalf("ai_business presence must change the prompt")
	}
	def := p.BuildSystemPrompt(map[string]any{})
	if !strings.Contains(def, "Active module: general.") || !strings.Contains(def, "Caller scope: admin.") {
		t.Fatalf("unexpected defaults:\n%s", def)
	}
	if def != p.BuildSystemPrompt(map[string]any{"module": "", "scope": " "}) {
		t.Fatalf("blank module/scope must fall back to defaults")
	}
}

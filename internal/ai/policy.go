package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// ContextBudget is the maximum serialized size of a context handed to a
// provider, in characters.
const ContextBudget = 40000

type limits struct {
	str    int
	arrTop int
	arr    int
	objTop int
	obj    int
}

var (
	pruneLimits  = limits{str: 900, arrTop: 20, arr: 10, objTop: 28, obj: 14}
	reduceLimits = limits{str: 400, arrTop: 8, arr: 8, objTop: 12, obj: 12}
)

const (
	maxTopLevelKeys   = 16
	maxKnowledgeItems = 20
	maxToolResults    = 12
	maxWarnings       = 12
	minimalWarnings   = 8
	minimalNotes      = 5
)

var (
	topPriority = []string{
		"module", "scope", "cross_module_access", "reference_id",
		"ai_business", "tool_results", "tool_contracts",
	}
	businessPriority = []string{
		"generated_at", "module_policy", "cross_module_access", "warnings",
		"knowledge", "summary", "metrics", "highlights",
	}
	knowledgePriority = []string{
		"attendance_lookup", "module_summary", "members", "events",
		"attendance", "requisitions", "programs", "finance", "marketplace",
	}
	knowledgeListFields = map[string]bool{
		"records": true, "items": true, "matches": true, "events": true,
		"programs": true, "users": true, "requests": true, "products": true,
		"latest_pending_requests": true, "actor_pending_requests": true,
	}
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{7,}\d`)
)

const (
	redactedEmail = "[redacted-email]"
	redactedPhone = "[redacted-phone]"
)

// Policy bounds what leaves the process for an AI provider.
type Policy struct {
	budget int
}

// NewPolicy returns a policy with the standard context budget.
func NewPolicy() *Policy {
	return &Policy{budget: ContextBudget}
}

// Budget returns the context byte budget.
func (p *Policy) Budget() int { return p.budget }

// SanitizeMessage redacts email addresses and phone-shaped numbers. Runs
// with fewer than 9 or more than 15 digits are left alone so dates and
// amounts survive.
func (p *Policy) SanitizeMessage(text string) string {
	out := emailPattern.ReplaceAllString(text, redactedEmail)
	out = phonePattern.ReplaceAllStringFunc(out, func(m string) string {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 9 || digits > 15 {
			return m
		}
		return redactedPhone
	})
	return strings.TrimSpace(out)
}

// SanitizeContext returns a copy of v whose JSON encoding fits the
// budget. Stages run in order and the first result that fits wins:
// unchanged, pruned, reduced, minimal, empty.
func (p *Policy) SanitizeContext(v any) map[string]any {
	clone := cloneObject(v)
	if encodedSize(clone) <= p.budget {
		return clone
	}
	pruned, _ := prune(clone, 0, pruneLimits, topPriority).(map[string]any)
	if encodedSize(pruned) <= p.budget {
		return pruned
	}
	reduced := reduceSections(clone)
	if encodedSize(reduced) <= p.budget {
		return reduced
	}
	minimal := p.minimalContext(clone)
	if encodedSize(minimal) <= p.budget {
		return minimal
	}
	return map[string]any{}
}

// BuildSystemPrompt renders the provider system prompt. The output
// depends only on module, scope and whether ai_business is present.
func (p *Policy) BuildSystemPrompt(ctx map[string]any) string {
	module, _ := ctx["module"].(string)
	if strings.TrimSpace(module) == "" {
		module = "general"
	}
	scope, _ := ctx["scope"].(string)
	if strings.TrimSpace(scope) == "" {
		scope = "admin"
	}
	_, hasBusiness := ctx["ai_business"]

	var b strings.Builder
	b.WriteString("You are the operations assistant for a church management system.\n")
	fmt.Fprintf(&b, "Active module: %s.\n", module)
	fmt.Fprintf(&b, "Caller scope: %s. Only discuss records this scope allows.\n", scope)
	b.WriteString("Answer concisely. Never invent figures, names or dates.\n")
	b.WriteString("Personal contact details have been redacted; do not try to reconstruct them.\n")
	if hasBusiness {
		b.WriteString("Ground every factual statement in the ai_business context provided. ")
		b.WriteString("If the context lacks the answer, say so and suggest which module to query.\n")
	} else {
		b.WriteString("No live business data is attached. Answer from general guidance only ")
		b.WriteString("and say that figures must be checked in the application.\n")
	}
	return b.String()
}

func cloneObject(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return obj
}

func encodedSize(v any) int {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return int(^uint(0) >> 1)
	}
	// drop the encoder's trailing newline
	return utf8.RuneCount(buf.Bytes()) - 1
}

// orderedKeys sorts keys by their index in priority, then
// lexicographically for keys not listed.
func orderedKeys(obj map[string]any, priority []string) []string {
	rank := make(map[string]int, len(priority))
	for i, k := range priority {
		rank[k] = i
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := rank[keys[i]]
		rj, jok := rank[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		}
		return keys[i] < keys[j]
	})
	return keys
}

func truncateString(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}

// prune caps strings, arrays and objects recursively. priority orders
// the keys of the top-level object only.
func prune(v any, depth int, l limits, priority []string) any {
	switch t := v.(type) {
	case string:
		return truncateString(t, l.str)
	case []any:
		max := l.arr
		if depth <= 1 {
			max = l.arrTop
		}
		if len(t) > max {
			t = t[:max]
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = prune(item, depth+1, l, nil)
		}
		return out
	case map[string]any:
		max := l.obj
		if depth <= 1 {
			max = l.objTop
		}
		var keys []string
		if depth == 0 {
			keys = orderedKeys(t, priority)
		} else {
			keys = orderedKeys(t, nil)
		}
		if len(keys) > max {
			keys = keys[:max]
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = prune(t[k], depth+1, l, nil)
		}
		return out
	default:
		return v
	}
}

func capList(v any, max int, depth int) any {
	list, ok := v.([]any)
	if !ok {
		return prune(v, depth, reduceLimits, nil)
	}
	if len(list) > max {
		list = list[:max]
	}
	out := make([]any, len(list))
	for i, item := range list {
		out[i] = prune(item, depth+1, reduceLimits, nil)
	}
	return out
}

func reduceSections(ctx map[string]any) map[string]any {
	keys := orderedKeys(ctx, topPriority)
	if len(keys) > maxTopLevelKeys {
		keys = keys[:maxTopLevelKeys]
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		switch k {
		case "ai_business":
			if biz, ok := ctx[k].(map[string]any); ok {
				out[k] = reduceBusiness(biz)
				continue
			}
			out[k] = prune(ctx[k], 1, reduceLimits, nil)
		case "tool_results":
			out[k] = capList(ctx[k], maxToolResults, 1)
		case "warnings":
			out[k] = capList(ctx[k], maxWarnings, 1)
		default:
			out[k] = prune(ctx[k], 1, reduceLimits, nil)
		}
	}
	return out
}

func reduceBusiness(biz map[string]any) map[string]any {
	keys := orderedKeys(biz, businessPriority)
	if len(keys) > reduceLimits.objTop {
		keys = keys[:reduceLimits.objTop]
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		switch k {
		case "knowledge":
			if kn, ok := biz[k].(map[string]any); ok {
				out[k] = reduceKnowledge(kn)
				continue
			}
			out[k] = prune(biz[k], 2, reduceLimits, nil)
		case "warnings":
			out[k] = capList(biz[k], maxWarnings, 2)
		default:
			out[k] = prune(biz[k], 2, reduceLimits, nil)
		}
	}
	return out
}

func reduceKnowledge(kn map[string]any) map[string]any {
	keys := orderedKeys(kn, knowledgePriority)
	if len(keys) > reduceLimits.objTop {
		keys = keys[:reduceLimits.objTop]
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		entry, ok := kn[k].(map[string]any)
		if !ok {
			out[k] = prune(kn[k], 3, reduceLimits, nil)
			continue
		}
		out[k] = reduceKnowledgeEntry(entry)
	}
	return out
}

// reduceKnowledgeEntry keeps up to 20 items of each list field and adds a
// "<field>_summary" sibling carrying the true count.
func reduceKnowledgeEntry(entry map[string]any) map[string]any {
	out := make(map[string]any, len(entry))
	var rest []string
	for _, k := range orderedKeys(entry, nil) {
		list, isList := entry[k].([]any)
		if !isList || !knowledgeListFields[k] {
			rest = append(rest, k)
			continue
		}
		if len(list) > maxKnowledgeItems {
			out[k+"_summary"] = fmt.Sprintf("%d records found; showing first %d.", len(list), maxKnowledgeItems)
		}
		out[k] = capList(list, maxKnowledgeItems, 3)
	}
	budget := reduceLimits.obj
	for _, k := range rest {
		if budget == 0 {
			break
		}
		if _, taken := out[k]; taken {
			continue
		}
		out[k] = prune(entry[k], 4, reduceLimits, nil)
		budget--
	}
	return out
}

func (p *Policy) minimalContext(ctx map[string]any) map[string]any {
	out := map[string]any{
		"cross_module_access": true,
		"context_budget": map[string]any{
			"max_chars": p.budget,
			"truncated": true,
			"strategy":  "minimal",
		},
	}
	for _, k := range []string{"module", "scope", "reference_id"} {
		if v, ok := ctx[k]; ok {
			out[k] = prune(v, 1, reduceLimits, nil)
		}
	}
	biz, ok := ctx["ai_business"].(map[string]any)
	if !ok {
		return out
	}
	mb := map[string]any{}
	for _, k := range []string{"generated_at", "module_policy", "cross_module_access"} {
		if v, ok := biz[k]; ok {
			mb[k] = prune(v, 2, reduceLimits, nil)
		}
	}
	if w, ok := biz["warnings"]; ok {
		mb["warnings"] = capList(w, minimalWarnings, 2)
	}
	if kn, ok := biz["knowledge"].(map[string]any); ok {
		if lookup, ok := kn["attendance_lookup"].(map[string]any); ok {
			reduced := map[string]any{}
			for _, k := range []string{"requested_date", "requested_event_name", "matched_records", "totals"} {
				if v, ok := lookup[k]; ok {
					reduced[k] = prune(v, 4, reduceLimits, nil)
				}
			}
			if notes, ok := lookup["notes"]; ok {
				reduced["notes"] = capList(notes, minimalNotes, 4)
			}
			mb["knowledge"] = map[string]any{"attendance_lookup": reduced}
		}
	}
	out["ai_business"] = mb
	return out
}

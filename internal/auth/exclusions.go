package auth

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const exclusionsKey = "exclusions"

func exclusionCandidates(domain string) []string {
	underscored := strings.ReplaceAll(strings.TrimSpace(domain), " ", "_")
	raw := []string{
		domain,
		underscored,
		domain + "_exclusions",
		underscored + "_exclusions",
		domain + "_Exclusions",
		underscored + "_Exclusions",
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// ResolveDomainExclusions returns the user ids the holder of a blanket
// grant on domain may not act on. Flat keys are tried first, then the
// nested "exclusions" object; the first candidate yielding ids wins.
func ResolveDomainExclusions(perms Permissions, domain string) []int64 {
	candidates := exclusionCandidates(domain)
	if ids := firstExclusionList(perms.raw, candidates); len(ids) > 0 {
		return ids
	}
	nested, ok := perms.raw[exclusionsKey].(map[string]any)
	if !ok {
		return nil
	}
	return firstExclusionList(nested, candidates)
}

// IsExcluded reports whether target is in the domain exclusion list.
func IsExcluded(perms Permissions, domain string, target int64) bool {
	for _, id := range ResolveDomainExclusions(perms, domain) {
		if id == target {
			return true
		}
	}
	return false
}

func firstExclusionList(obj map[string]any, candidates []string) []int64 {
	for _, key := range candidates {
		list, ok := obj[key].([]any)
		if !ok {
			continue
		}
		if ids := parseIDList(list); len(ids) > 0 {
			return ids
		}
	}
	return nil
}

func parseIDList(values []any) []int64 {
	seen := make(map[int64]struct{}, len(values))
	var out []int64
	for _, v := range values {
		id, ok := ParsePositiveID(v)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ParsePositiveID accepts integral numbers and numeric strings greater
// than zero.
func ParsePositiveID(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || t != math.Trunc(t) || t >= math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case int:
		return int64(t), t > 0
	case int64:
		return t, t > 0
	case json.Number:
		i, err := t.Int64()
		if err != nil || i <= 0 {
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil || i <= 0 {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

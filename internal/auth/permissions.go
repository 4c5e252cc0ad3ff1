package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tier is a permission level granted on a domain.
type Tier string

const (
	TierView   Tier = "Can_View"
	TierManage Tier = "Can_Manage"
	TierAdmin  Tier = "Super_Admin"
)

// Action is the capability a route asks for.
type Action string

const (
	ActionView   Action = "view"
	ActionManage Action = "manage"
	ActionAdmin  Action = "admin"
)

// Permitted tier lists per action. A higher tier appears in every list
// of the tiers below it.
var (
	ViewPermissions   = []Tier{TierView, TierManage, TierAdmin}
	ManagePermissions = []Tier{TierManage, TierAdmin}
	AdminPermissions  = []Tier{TierAdmin}
)

// Domain names used by routes and tool contracts.
const (
	DomainMembers          = "Members"
	DomainVisitors         = "Visitors"
	DomainAppointments     = "Appointments"
	DomainAssets           = "Assets"
	DomainLifeCenter       = "Life_Center"
	DomainPrograms         = "Programs"
	DomainMarketplace      = "Marketplace"
	DomainEvents           = "Events"
	DomainChurchAttendance = "Church_Attendance"
	DomainRequisition      = "Requisition"
	DomainDepartments      = "Departments"
	DomainPositions        = "Positions"
	DomainAccessLevels     = "Access_Levels"
	DomainFinancials       = "Financials"
	DomainSettings         = "Settings"
)

// domainAliases lists the permission keys consulted for a domain, in the
// order they are tried.
var domainAliases = map[string][]string{
	DomainMembers:          {"Members", "Member"},
	DomainVisitors:         {"Visitors", "Visitor_Management", "Visitor Management"},
	DomainAppointments:     {"Appointments", "Appointment"},
	DomainAssets:           {"Assets", "Asset_Management", "Asset Management"},
	DomainLifeCenter:       {"Life_Center", "Life Center", "LifeCenter"},
	DomainPrograms:         {"Programs", "Program"},
	DomainMarketplace:      {"Marketplace", "Orders"},
	DomainEvents:           {"Events", "Event"},
	DomainChurchAttendance: {"Church_Attendance", "Church Attendance", "Events"},
	DomainRequisition:      {"Requisition", "Requisitions"},
	DomainDepartments:      {"Departments", "Department"},
	DomainPositions:        {"Positions", "Position"},
	DomainAccessLevels:     {"Access_Levels", "Access Levels", "Access_Level"},
	DomainFinancials:       {"Financials", "Finance"},
	DomainSettings:         {"Settings"},
}

// KnownDomains returns the canonical domain names in sorted order.
func KnownDomains() []string {
	out := make([]string, 0, len(domainAliases))
	for d := range domainAliases {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// AliasesFor returns the keys consulted for domain.
func AliasesFor(domain string) []string {
	if aliases, ok := domainAliases[domain]; ok {
		return append([]string(nil), aliases...)
	}
	return []string{domain}
}

// ParseTier validates a raw tier value.
func ParseTier(raw string) (Tier, bool) {
	switch Tier(strings.TrimSpace(raw)) {
	case TierView:
		return TierView, true
	case TierManage:
		return TierManage, true
	case TierAdmin:
		return TierAdmin, true
	}
	return "", false
}

// Permissions is the access-level permission object. Tier values live
// under domain keys; exclusion lists live under the same keys as arrays
// or inside a nested "exclusions" object. Unknown keys are kept.
type Permissions struct {
	raw map[string]any
}

// NewPermissions wraps an already decoded permission object.
func NewPermissions(raw map[string]any) Permissions {
	if raw == nil {
		raw = map[string]any{}
	}
	return Permissions{raw: raw}
}

// ParsePermissions decodes a stored permission document. Empty input
// yields an empty set.
func ParsePermissions(data []byte) (Permissions, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return NewPermissions(nil), nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Permissions{}, fmt.Errorf("%w: permissions must be a JSON object", ErrInvalidInput)
	}
	return NewPermissions(raw), nil
}

// Raw returns the underlying object.
func (p Permissions) Raw() map[string]any {
	if p.raw == nil {
		return map[string]any{}
	}
	return p.raw
}

// Empty reports whether no keys are present.
func (p Permissions) Empty() bool { return len(p.raw) == 0 }

// MarshalJSON renders the raw object.
func (p Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Raw())
}

// Value resolves the tier string for domain through its aliases. The
// first alias holding a non-empty string is the only one read.
func (p Permissions) Value(domain string) (string, bool) {
	for _, key := range AliasesFor(domain) {
		v, ok := p.raw[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		return s, true
	}
	return "", false
}

func permittedTiers(action Action) []Tier {
	switch action {
	case ActionView:
		return ViewPermissions
	case ActionManage:
		return ManagePermissions
	case ActionAdmin:
		return AdminPermissions
	}
	return nil
}

// HasActionPermission reports whether the resolved tier for domain is in
// the permitted list for action.
func HasActionPermission(perms Permissions, domain string, action Action) bool {
	value, ok := perms.Value(domain)
	if !ok {
		return false
	}
	for _, tier := range permittedTiers(action) {
		if string(tier) == value {
			return true
		}
	}
	return false
}

// NormalizePermissionPayload validates a permission object submitted for
// an access level. Tier strings are checked for known domains and their
// aliases; arrays are normalized to positive id lists; a nested
// "exclusions" object is normalized the same way. Unknown keys with
// string values must still carry a valid tier.
func NormalizePermissionPayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("%w: permission key is empty", ErrInvalidInput)
		}
		if key == exclusionsKey {
			nested, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: exclusions must be an object", ErrInvalidInput)
			}
			normalized := make(map[string]any, len(nested))
			for nk, nv := range nested {
				list, ok := nv.([]any)
				if !ok {
					return nil, fmt.Errorf("%w: exclusions.%s must be an array", ErrInvalidInput, nk)
				}
				normalized[nk] = idsToAny(parseIDList(list))
			}
			out[exclusionsKey] = normalized
			continue
		}
		switch v := value.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			tier, ok := ParseTier(v)
			if !ok {
				return nil, fmt.Errorf("%w: %s has unsupported permission %q", ErrInvalidInput, key, v)
			}
			out[key] = string(tier)
		case []any:
			out[key] = idsToAny(parseIDList(v))
		case bool:
			out[key] = v
		default:
			return nil, fmt.Errorf("%w: %s has unsupported value type", ErrInvalidInput, key)
		}
	}
	return out, nil
}

func idsToAny(ids []int64) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

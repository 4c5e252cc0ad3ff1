package ai

import (
	"sort"

	"churchops.org/internal/auth"
)

// Operations every read-only module supports.
const (
	OpSummary          = "summary"
	OpRecent           = "recent"
	OpSearch           = "search"
	OpAttendanceLookup = "attendance_lookup"
)

const (
	DefaultQueryLimit = 10
	MaxQueryLimit     = 25
	minSearchLength   = 2
	maxSearchLength   = 120
)

// Contract binds a module name to the single table it may read. Column
// and table names here are the only identifiers that reach SQL.
type Contract struct {
	Module        string
	Domain        string
	Table         string
	DateColumn    string
	LabelColumn   string
	GroupColumn   string
	SearchColumns []string
	Description   string
	Operations    []string
}

// Supports reports whether op is declared for the module.
func (c Contract) Supports(op string) bool {
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// ToolDescriptor is what the model and API clients see for one
// module operation.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Module      string         `json:"module"`
	Operation   string         `json:"operation"`
	Domain      string         `json:"domain"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

var baseOperations = []string{OpSummary, OpRecent, OpSearch}

func contract(module, domain, table, dateCol, labelCol, groupCol, desc string, search ...string) Contract {
	return Contract{
		Module:        module,
		Domain:        domain,
		Table:         table,
		DateColumn:    dateCol,
		LabelColumn:   labelCol,
		GroupColumn:   groupCol,
		SearchColumns: search,
		Description:   desc,
		Operations:    baseOperations,
	}
}

func defaultContracts() []Contract {
	event := contract("event", auth.DomainEvents, "events", "starts_at", "name", "status",
		"Church events and services.", "name", "location")
	event.Operations = []string{OpSummary, OpRecent, OpSearch, OpAttendanceLookup}

	return []Contract{
		contract("member", auth.DomainMembers, "users", "created_at", "name", "user_category",
			"Church members and staff accounts.", "name", "email"),
		contract("department", auth.DomainDepartments, "departments", "created_at", "name", "",
			"Ministry departments.", "name"),
		contract("position", auth.DomainPositions, "positions", "created_at", "name", "department_id",
			"Positions held within departments.", "name"),
		contract("access_level", auth.DomainAccessLevels, "access_levels", "created_at", "name", "",
			"Access levels and their permission grants.", "name"),
		event,
		contract("attendance", auth.DomainChurchAttendance, "church_attendance", "service_date", "event_name", "event_name",
			"Headcounts recorded per service.", "event_name"),
		contract("requisition", auth.DomainRequisition, "requisitions", "created_at", "title", "status",
			"Purchase and resource requisitions.", "title", "description"),
		contract("approval", auth.DomainRequisition, "requisition_approvals", "created_at", "decision", "decision",
			"Approval decisions on requisitions.", "decision", "comment"),
		contract("marketplace", auth.DomainMarketplace, "marketplace_listings", "created_at", "title", "status",
			"Marketplace listings.", "title"),
		contract("order", auth.DomainMarketplace, "orders", "created_at", "reference", "status",
			"Marketplace orders.", "reference"),
		contract("product", auth.DomainMarketplace, "products", "created_at", "name", "category",
			"Products offered in the marketplace.", "name", "category"),
		contract("finance", auth.DomainFinancials, "financial_transactions", "posted_at", "description", "category",
			"Income and expense transactions.", "description", "category"),
		contract("finance_config", auth.DomainFinancials, "finance_categories", "created_at", "name", "kind",
			"Finance categories and accounts.", "name"),
		contract("life_center", auth.DomainLifeCenter, "life_centers", "created_at", "name", "",
			"Life centers (home cells).", "name", "location"),
		contract("soul_won", auth.DomainLifeCenter, "souls_won", "won_at", "name", "life_center_id",
			"Souls won and their follow-up life center.", "name"),
		contract("visitor", auth.DomainVisitors, "visitors", "visited_at", "name", "status",
			"First-time and returning visitors.", "name"),
		contract("appointment", auth.DomainAppointments, "appointment_bookings", "scheduled_at", "purpose", "status",
			"Pastoral appointment bookings.", "purpose"),
		contract("asset", auth.DomainAssets, "assets", "created_at", "name", "status",
			"Church assets and their assignment.", "name", "serial_number"),
		contract("program", auth.DomainPrograms, "programs", "starts_at", "name", "department_id",
			"Training and discipleship programs.", "name"),
		contract("enrollment", auth.DomainPrograms, "program_enrollments", "enrolled_at", "status", "status",
			"Program enrollments.", "status"),
		contract("announcement", auth.DomainEvents, "announcements", "published_at", "title", "",
			"Published announcements.", "title", "body"),
		contract("device", auth.DomainSettings, "devices", "last_seen_at", "name", "kind",
			"Registered attendance devices.", "name"),
		contract("notification", auth.DomainSettings, "notifications", "created_at", "title", "channel",
			"Outbound notifications.", "title"),
		contract("ai_usage", auth.DomainSettings, "ai_usage_ledger", "created_at", "provider", "provider",
			"AI assistant usage ledger.", "provider", "model"),
	}
}

// Catalog is the closed set of read-only contracts.
type Catalog struct {
	contracts map[string]Contract
	modules   []string
}

// NewCatalog builds a catalog from the given contracts. With none it
// returns the standard catalog.
func NewCatalog(contracts ...Contract) *Catalog {
	if len(contracts) == 0 {
		contracts = defaultContracts()
	}
	c := &Catalog{contracts: make(map[string]Contract, len(contracts))}
	for _, ct := range contracts {
		c.contracts[ct.Module] = ct
		c.modules = append(c.modules, ct.Module)
	}
	sort.Strings(c.modules)
	return c
}

// Modules lists module names in lexical order.
func (c *Catalog) Modules() []string {
	return append([]string(nil), c.modules...)
}

// Contract returns the contract for module.
func (c *Catalog) Contract(module string) (Contract, bool) {
	ct, ok := c.contracts[module]
	return ct, ok
}

// Lookup resolves module and op or returns a *ContractError.
func (c *Catalog) Lookup(module, op string) (Contract, error) {
	ct, ok := c.contracts[module]
	if !ok {
		return Contract{}, &ContractError{Module: module, Operation: op, Message: "unknown module"}
	}
	if !ct.Supports(op) {
		return Contract{}, &ContractError{Module: module, Operation: op, Message: "unsupported operation"}
	}
	return ct, nil
}

// Describe lists one descriptor per module operation.
func (c *Catalog) Describe() []ToolDescriptor {
	var out []ToolDescriptor
	for _, m := range c.modules {
		ct := c.contracts[m]
		for _, op := range ct.Operations {
			out = append(out, ToolDescriptor{
				Name:        m + "." + op,
				Module:      m,
				Operation:   op,
				Domain:      ct.Domain,
				Description: describeOperation(ct, op),
				InputSchema: InputSchema(op),
			})
		}
	}
	return out
}

func describeOperation(ct Contract, op string) string {
	switch op {
	case OpSummary:
		return ct.Description + " Returns totals, optionally within a date range."
	case OpRecent:
		return ct.Description + " Returns the most recent records."
	case OpSearch:
		return ct.Description + " Returns records matching a text query."
	case OpAttendanceLookup:
		return "Attendance recorded for an event on a given date."
	}
	return ct.Description
}

func dateRangeProperties() map[string]any {
	return map[string]any{
		"from": map[string]any{"type": "string", "description": "Start date, YYYY-MM-DD or RFC 3339."},
		"to":   map[string]any{"type": "string", "description": "End date, YYYY-MM-DD or RFC 3339."},
	}
}

func limitProperty() map[string]any {
	return map[string]any{"type": "integer", "minimum": 1, "maximum": MaxQueryLimit, "default": DefaultQueryLimit}
}

// InputSchema is the JSON schema for an operation's input.
func InputSchema(op string) map[string]any {
	props := dateRangeProperties()
	var required []string
	switch op {
	case OpSummary:
	case OpRecent:
		props["limit"] = limitProperty()
	case OpSearch:
		props["limit"] = limitProperty()
		props["query"] = map[string]any{"type": "string", "minLength": minSearchLength, "maxLength": maxSearchLength}
		required = []string{"query"}
	case OpAttendanceLookup:
		props = map[string]any{
			"date":       map[string]any{"type": "string", "description": "Service date, YYYY-MM-DD."},
			"event_name": map[string]any{"type": "string", "maxLength": maxSearchLength},
			"limit":      limitProperty(),
		}
		required = []string{"date"}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

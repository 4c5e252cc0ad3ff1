package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"churchops.org/internal/auth"
)

// Query is a validated read against one contract.
type Query struct {
	Contract  Contract
	Operation string
	Limit     int
	From      *time.Time
	To        *time.Time
	Search    string
	Date      time.Time
	EventName string
}

// ReadOnlySource executes a validated query. Implementations must not
// write and must only use identifiers from q.Contract.
type ReadOnlySource interface {
	Run(ctx context.Context, q Query) (map[string]any, error)
}

// QueryResult is the envelope returned for one tool call.
type QueryResult struct {
	Module      string         `json:"module"`
	Operation   string         `json:"operation"`
	GeneratedAt time.Time      `json:"generated_at"`
	Data        map[string]any `json:"data"`
}

type queryInput struct {
	Limit     int    `json:"limit" validate:"gte=0"`
	From      string `json:"from" validate:"omitempty,max=40"`
	To        string `json:"to" validate:"omitempty,max=40"`
	Query     string `json:"query" validate:"omitempty,min=2,max=120"`
	Date      string `json:"date" validate:"omitempty,max=40"`
	EventName string `json:"event_name" validate:"omitempty,max=120"`
}

// ReadOnlyService executes catalog contracts on behalf of an actor.
type ReadOnlyService struct {
	catalog  *Catalog
	source   ReadOnlySource
	validate *validator.Validate
	now      func() time.Time
}

func NewReadOnlyService(catalog *Catalog, source ReadOnlySource) *ReadOnlyService {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &ReadOnlyService{
		catalog:  catalog,
		source:   source,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Catalog returns the contracts this service executes.
func (s *ReadOnlyService) Catalog() *Catalog { return s.catalog }

// ExecuteQuery resolves the contract, validates input, checks the
// actor's view grant on the contract's domain and runs the query.
func (s *ReadOnlyService) ExecuteQuery(ctx context.Context, actor *auth.Actor, module, op string, input map[string]any) (*QueryResult, error) {
	ct, err := s.catalog.Lookup(module, op)
	if err != nil {
		return nil, err
	}
	q, err := s.parse(ct, op, input)
	if err != nil {
		return nil, err
	}
	if actor == nil || !actor.Can(ct.Domain, auth.ActionView) {
		return nil, &UnauthorizedError{Message: fmt.Sprintf("no view permission on %s", ct.Domain)}
	}
	if s.source == nil {
		return nil, errors.New("read-only source not configured")
	}
	data, err := s.source.Run(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("run %s.%s: %w", module, op, err)
	}
	return &QueryResult{Module: module, Operation: op, GeneratedAt: s.now().UTC(), Data: data}, nil
}

func (s *ReadOnlyService) parse(ct Contract, op string, input map[string]any) (Query, error) {
	var in queryInput
	if len(input) > 0 {
		raw, err := json.Marshal(input)
		if err != nil {
			return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: "input is not valid JSON"}
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: err.Error()}
		}
	}
	in.Query = strings.TrimSpace(in.Query)
	in.EventName = strings.TrimSpace(in.EventName)
	if err := s.validate.Struct(in); err != nil {
		return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: validationMessage(err)}
	}

	q := Query{Contract: ct, Operation: op, Limit: clampLimit(in.Limit), EventName: in.EventName}
	switch op {
	case OpSearch:
		if in.Query == "" {
			return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: "query is required"}
		}
		q.Search = in.Query
	case OpAttendanceLookup:
		if in.Date == "" {
			return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: "date is required"}
		}
		d, _, err := parseDate(in.Date)
		if err != nil {
			return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: "date: " + err.Error()}
		}
		q.Date = d
		return q, nil
	}

	if in.From != "" {
		from, _, err := parseDate(in.From)
		if err != nil {
			return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: "from: " + err.Error()}
		}
		q.From = &from
	}
	if in.To != "" {
		to, dateOnly, err := parseDate(in.To)
		if err != nil {
			return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: "to: " + err.Error()}
		}
		if dateOnly {
			// inclusive of the whole day
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
		q.To = &to
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return Query{}, &ContractError{Module: ct.Module, Operation: op, Message: "from must not be after to"}
	}
	return q, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultQueryLimit
	case n > MaxQueryLimit:
		return MaxQueryLimit
	}
	return n
}

// parseDate accepts YYYY-MM-DD or RFC 3339. dateOnly reports the first.
func parseDate(s string) (t time.Time, dateOnly bool, err error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), true, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	return time.Time{}, false, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", s)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	if field == "eventname" {
		field = "event_name"
	}
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must not be negative", field)
	}
	return fmt.Sprintf("%s is invalid", field)
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"churchops.org/internal/ai"
)

var _ ai.ReadOnlySource = (*Store)(nil)

const attendanceTable = "church_attendance"

// columns never handed to the assistant
var hiddenColumns = map[string]bool{
	"password_hash": true, "email": true, "phone": true, "phone_number": true,
	"address": true, "api_key": true, "secret": true, "token": true,
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

// Run executes one catalog query inside a read-only transaction.
func (s *Store) Run(ctx context.Context, q ai.Query) (map[string]any, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var out map[string]any
	switch q.Operation {
	case ai.OpSummary:
		out, err = summarize(ctx, tx, q)
	case ai.OpRecent:
		out, err = recent(ctx, tx, q)
	case ai.OpSearch:
		out, err = search(ctx, tx, q)
	case ai.OpAttendanceLookup:
		out, err = attendanceLookup(ctx, tx, q)
	default:
		err = fmt.Errorf("unsupported operation %q", q.Operation)
	}
	if err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// dateFilter renders the optional range on the contract's date column.
func dateFilter(q ai.Query, args []any) (string, []any) {
	col := ident(q.Contract.DateColumn)
	var parts []string
	if q.From != nil {
		args = append(args, *q.From)
		parts = append(parts, fmt.Sprintf("%s >= $%d", col, len(args)))
	}
	if q.To != nil {
		args = append(args, *q.To)
		parts = append(parts, fmt.Sprintf("%s <= $%d", col, len(args)))
	}
	if len(parts) == 0 {
		return "", args
	}
	return " where " + strings.Join(parts, " and "), args
}

func summarize(ctx context.Context, tx *sql.Tx, q ai.Query) (map[string]any, error) {
	table, dateCol := ident(q.Contract.Table), ident(q.Contract.DateColumn)
	where, args := dateFilter(q, nil)

	var (
		total       int64
		first, last sql.NullTime
	)
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`select count(*), min(%s), max(%s) from %s%s`, dateCol, dateCol, table, where), args...).
		Scan(&total, &first, &last)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"module": q.Contract.Module, "total": total}
	if first.Valid {
		out["first_at"] = first.Time.UTC().Format(time.RFC3339)
		out["last_at"] = last.Time.UTC().Format(time.RFC3339)
	}
	if q.Contract.GroupColumn == "" {
		return out, nil
	}
	group := ident(q.Contract.GroupColumn)
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`select coalesce(%s::text, 'unknown'), count(*) from %s%s group by 1 order by 2 desc, 1 limit 10`, group, table, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []any
	for rows.Next() {
		var (
			value string
			count int64
		)
		if err := rows.Scan(&value, &count); err != nil {
			return nil, err
		}
		groups = append(groups, map[string]any{"value": value, "count": count})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out["by_"+q.Contract.GroupColumn] = groups
	return out, nil
}

func recent(ctx context.Context, tx *sql.Tx, q ai.Query) (map[string]any, error) {
	where, args := dateFilter(q, nil)
	args = append(args, q.Limit)
	query := fmt.Sprintf(`select to_jsonb(t) from %s t%s order by %s desc nulls last limit $%d`,
		ident(q.Contract.Table), where, ident(q.Contract.DateColumn), len(args))
	records, err := jsonRows(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"module": q.Contract.Module, "count": len(records), "records": records}, nil
}

func search(ctx context.Context, tx *sql.Tx, q ai.Query) (map[string]any, error) {
	where, args := dateFilter(q, nil)
	args = append(args, "%"+escapeLike(q.Search)+"%")
	pattern := len(args)
	var ors []string
	for _, col := range q.Contract.SearchColumns {
		ors = append(ors, fmt.Sprintf("%s::text ilike $%d", ident(col), pattern))
	}
	match := "(" + strings.Join(ors, " or ") + ")"
	if where == "" {
		where = " where " + match
	} else {
		where += " and " + match
	}
	args = append(args, q.Limit)
	query := fmt.Sprintf(`select to_jsonb(t) from %s t%s order by %s desc nulls last limit $%d`,
		ident(q.Contract.Table), where, ident(q.Contract.DateColumn), len(args))
	matches, err := jsonRows(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"module": q.Contract.Module, "query": q.Search, "count": len(matches), "matches": matches}, nil
}

func attendanceLookup(ctx context.Context, tx *sql.Tx, q ai.Query) (map[string]any, error) {
	args := []any{q.Date.Format(time.DateOnly)}
	where := " where service_date = $1::date"
	if q.EventName != "" {
		args = append(args, "%"+escapeLike(q.EventName)+"%")
		where += " and event_name ilike $2"
	}
	args = append(args, q.Limit)
	query := fmt.Sprintf(`select to_jsonb(t) from %s t%s order by event_name limit $%d`, ident(attendanceTable), where, len(args))
	records, err := jsonRows(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	totals := map[string]float64{}
	for _, r := range records {
		rec := r.(map[string]any)
		for _, k := range []string{"men", "women", "children", "total"} {
			if n, ok := rec[k].(float64); ok {
				totals[k] += n
			}
		}
	}
	out := map[string]any{
		"requested_date":  q.Date.Format(time.DateOnly),
		"matched_records": len(records),
		"totals":          totals,
		"records":         records,
	}
	if q.EventName != "" {
		out["requested_event_name"] = q.EventName
	}
	if len(records) == 0 {
		out["notes"] = []any{"No attendance was recorded for this date."}
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func jsonRows(ctx context.Context, db queryer, query string, args ...any) ([]any, error) {
	return jsonRowsHiding(ctx, db, hiddenColumns, query, args...)
}

func jsonRowsHiding(ctx context.Context, db queryer, hidden map[string]bool, query string, args ...any) ([]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []any{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		for k := range rec {
			if hidden[k] {
				delete(rec, k)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

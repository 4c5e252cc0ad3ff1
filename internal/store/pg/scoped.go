package pg

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"churchops.org/internal/auth"
)

type scopedTable struct {
	table string
	// owner column compared for own and exclusion filters
	owner string
	// second owner column for own scope, optional
	alsoOwner string
	// link table (visitor_id, user_id) standing in for an owner column
	ownerVia string
}

var scopedTables = map[auth.ScopeKind]scopedTable{
	auth.ScopeMember:      {table: "users", owner: "id"},
	auth.ScopeVisitor:     {table: "visitors", ownerVia: "visitor_responsible_members"},
	auth.ScopeAppointment: {table: "appointment_bookings", owner: "user_id", alsoOwner: "requester_id"},
	auth.ScopeAsset:       {table: "assets", owner: "assigned_to"},
	auth.ScopeLifeCenter:  {table: "souls_won", owner: "won_by"},
	auth.ScopeProgram:     {table: "programs"},
	auth.ScopeOrder:       {table: "orders", owner: "user_id"},
}

var listingHidden = map[string]bool{"password_hash": true}

// int64Array renders ids as a Postgres array literal for $n::bigint[].
func int64Array(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ScopeFilter renders scope as a where clause over the table for kind.
// Placeholders continue after len(args).
func ScopeFilter(kind auth.ScopeKind, scope auth.Scope, args []any) (string, []any, error) {
	st, ok := scopedTables[kind]
	if !ok {
		return "", nil, fmt.Errorf("unknown scope kind %q", kind)
	}
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	switch scope.Mode {
	case auth.ModeAll:
		if len(scope.Exclusions) == 0 {
			return "", args, nil
		}
		if st.ownerVia != "" {
			return fmt.Sprintf("not exists (select 1 from %s x where x.visitor_id = t.id and x.user_id = any(%s::bigint[]))",
				ident(st.ownerVia), next(int64Array(scope.Exclusions))), args, nil
		}
		if st.owner == "" {
			return "", args, nil
		}
		col := ident(st.owner)
		return fmt.Sprintf("(%s is null or not (%s = any(%s::bigint[])))", col, col, next(int64Array(scope.Exclusions))), args, nil
	case auth.ModeOwn:
		if st.owner == "" {
			break
		}
		p := next(scope.UserID)
		clause := fmt.Sprintf("%s = %s", ident(st.owner), p)
		if st.alsoOwner != "" {
			clause = fmt.Sprintf("(%s or %s = %s)", clause, ident(st.alsoOwner), p)
		}
		return clause, args, nil
	case auth.ModeResponsible:
		if kind != auth.ScopeVisitor {
			break
		}
		return fmt.Sprintf("exists (select 1 from visitor_responsible_members r where r.visitor_id = t.id and r.user_id = %s)", next(scope.MemberID)), args, nil
	case auth.ModeMember:
		if kind != auth.ScopeLifeCenter {
			break
		}
		return fmt.Sprintf("life_center_id = any(%s::bigint[])", next(int64Array(scope.LifeCenterIDs))), args, nil
	case auth.ModeDepartment:
		if kind != auth.ScopeProgram {
			break
		}
		return fmt.Sprintf("department_id = any(%s::bigint[])", next(int64Array(scope.DepartmentIDs))), args, nil
	}
	return "", nil, fmt.Errorf("scope %q does not apply to %s", scope.Mode, kind)
}

// ListScoped returns rows of the table behind kind that scope allows,
// newest first. A positive id narrows to one row.
func (s *Store) ListScoped(ctx context.Context, kind auth.ScopeKind, scope auth.Scope, id int64, limit int) ([]any, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	clause, args, err := ScopeFilter(kind, scope, nil)
	if err != nil {
		return nil, err
	}
	var conds []string
	if clause != "" {
		conds = append(conds, clause)
	}
	if id > 0 {
		args = append(args, id)
		conds = append(conds, fmt.Sprintf("t.id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}
	args = append(args, limit)
	query := fmt.Sprintf(`select to_jsonb(t) from %s t%s order by t.id desc limit $%d`,
		ident(scopedTables[kind].table), where, len(args))
	return jsonRowsHiding(ctx, s.db, listingHidden, query, args...)
}

// CreateOrder inserts an order for userID and returns its id.
func (s *Store) CreateOrder(ctx context.Context, userID int64, reference string, total int64) (int64, error) {
	return s.insertID(ctx, `
		insert into orders (user_id, reference, total, status, created_at)
		values ($1, $2, $3, 'pending', $4) returning id`, userID, reference, total, time.Now().UTC())
}

// CreateSoulWon records a convert under a life center.
func (s *Store) CreateSoulWon(ctx context.Context, name string, lifeCenterID, wonBy int64) (int64, error) {
	return s.insertID(ctx, `
		insert into souls_won (name, life_center_id, won_by, won_at)
		values ($1, $2, $3, $4) returning id`, name, lifeCenterID, nullInt64(wonBy), time.Now().UTC())
}

// CreateAppointment books a slot with userID on behalf of requesterID.
func (s *Store) CreateAppointment(ctx context.Context, requesterID, userID int64, purpose string, at time.Time) (int64, error) {
	return s.insertID(ctx, `
		insert into appointment_bookings (requester_id, user_id, purpose, status, scheduled_at)
		values ($1, $2, $3, 'booked', $4) returning id`, requesterID, userID, purpose, at.UTC())
}

// CancelAppointment marks a booking cancelled. Rows outside scope are
// reported as ErrNotFound.
func (s *Store) CancelAppointment(ctx context.Context, scope auth.Scope, id int64) error {
	return s.updateScoped(ctx, auth.ScopeAppointment, scope,
		`update appointment_bookings t set status = 'cancelled'`, id)
}

// UpdateAvailability moves an availability slot within scope.
func (s *Store) UpdateAvailability(ctx context.Context, scope auth.Scope, id int64, startsAt time.Time) error {
	return s.updateScoped(ctx, auth.ScopeAppointment, scope,
		`update availability t set starts_at = $1`, id, startsAt.UTC())
}

// updateScoped runs update against row id, narrowed by scope. The update
// must alias its table as t and use only the leading placeholders in args.
func (s *Store) updateScoped(ctx context.Context, kind auth.ScopeKind, scope auth.Scope, update string, id int64, args ...any) error {
	clause, args, err := ScopeFilter(kind, scope, args)
	if err != nil {
		return err
	}
	args = append(args, id)
	where := fmt.Sprintf("t.id = $%d", len(args))
	if clause != "" {
		where = clause + " and " + where
	}
	return s.execOne(ctx, update+" where "+where, args...)
}

func (s *Store) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return 0, auth.ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

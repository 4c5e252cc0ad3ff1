package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"churchops.org/internal/auth"
)

var _ auth.UserStore = (*Store)(nil)

const userSelect = `
	select u.id, u.name, u.email, u.password_hash, u.is_user,
	       coalesce(u.access_level_id, 0), coalesce(u.department_id, 0),
	       u.ministry_worker, u.user_category,
	       al.id, al.name, al.permissions, al.created_at
	from users u
	left join access_levels al on al.id = u.access_level_id`

func (s *Store) UserByID(ctx context.Context, id int64) (*auth.User, error) {
	return s.loadUser(ctx, userSelect+` where u.id = $1`, id)
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.loadUser(ctx, userSelect+` where lower(u.email) = lower($1)`, strings.TrimSpace(email))
}

func (s *Store) loadUser(ctx context.Context, query string, arg any) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		u         auth.User
		levelID   sql.NullInt64
		levelName sql.NullString
		rawPerms  []byte
		levelAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.IsUser,
		&u.AccessLevelID, &u.DepartmentID, &u.MinistryWorker, &u.UserCategory,
		&levelID, &levelName, &rawPerms, &levelAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if levelID.Valid {
		perms, err := auth.ParsePermissions(rawPerms)
		if err != nil {
			return nil, fmt.Errorf("access level %d: %w", levelID.Int64, err)
		}
		u.Access = &auth.AccessLevel{
			ID:          levelID.Int64,
			Name:        levelName.String,
			Permissions: perms,
			CreatedAt:   levelAt.Time,
		}
	}
	if u.PositionDeptIDs, err = s.int64s(ctx, `
		select distinct p.department_id
		from user_positions up
		join positions p on p.id = up.position_id
		where up.user_id = $1 and p.department_id is not null
		order by 1`, u.ID); err != nil {
		return nil, err
	}
	if u.LifeCenterIDs, err = s.int64s(ctx, `
		select life_center_id from life_center_members
		where user_id = $1 order by life_center_id`, u.ID); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) int64s(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AccessLevels lists access levels by name.
func (s *Store) AccessLevels(ctx context.Context) ([]auth.AccessLevel, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, permissions, created_at
		from access_levels
		order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.AccessLevel
	for rows.Next() {
		var (
			lvl auth.AccessLevel
			raw []byte
		)
		if err := rows.Scan(&lvl.ID, &lvl.Name, &raw, &lvl.CreatedAt); err != nil {
			return nil, err
		}
		if lvl.Permissions, err = auth.ParsePermissions(raw); err != nil {
			return nil, fmt.Errorf("access level %d: %w", lvl.ID, err)
		}
		out = append(out, lvl)
	}
	return out, rows.Err()
}

// CreateAccessLevel stores a normalized permission payload.
func (s *Store) CreateAccessLevel(ctx context.Context, name string, perms auth.Permissions) (auth.AccessLevel, error) {
	if s.db == nil {
		return auth.AccessLevel{}, errNoDB
	}
	raw, err := perms.MarshalJSON()
	if err != nil {
		return auth.AccessLevel{}, err
	}
	lvl := auth.AccessLevel{Name: name, Permissions: perms}
	err = s.db.QueryRowContext(ctx, `
		insert into access_levels (name, permissions, created_at)
		values ($1, $2, $3)
		returning id, created_at`, name, raw, time.Now().UTC()).Scan(&lvl.ID, &lvl.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.AccessLevel{}, fmt.Errorf("%w: access level %q exists", auth.ErrInvalidInput, name)
		}
		return auth.AccessLevel{}, err
	}
	return lvl, nil
}

package pg

import (
	"context"
	"database/sql"
	"errors"

	"churchops.org/internal/auth"
)

var _ auth.ResourceStore = (*Store)(nil)

func (s *Store) queryRow(ctx context.Context, query string, args []any, dest ...any) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return err
}

func (s *Store) Visitor(ctx context.Context, id int64) (*auth.Visitor, error) {
	v := auth.Visitor{ID: id}
	var exists bool
	if err := s.queryRow(ctx, `select true from visitors where id = $1`, []any{id}, &exists); err != nil {
		return nil, err
	}
	members, err := s.int64s(ctx, `
		select user_id from visitor_responsible_members
		where visitor_id = $1 order by user_id`, id)
	if err != nil {
		return nil, err
	}
	v.ResponsibleMembers = members
	return &v, nil
}

func (s *Store) Appointment(ctx context.Context, id int64) (*auth.Booking, error) {
	return s.booking(ctx, `select id, coalesce(requester_id, 0), coalesce(user_id, 0) from appointment_bookings where id = $1`, id)
}

func (s *Store) Availability(ctx context.Context, id int64) (*auth.Booking, error) {
	return s.booking(ctx, `select id, coalesce(requester_id, 0), coalesce(user_id, 0) from availability where id = $1`, id)
}

func (s *Store) booking(ctx context.Context, query string, id int64) (*auth.Booking, error) {
	var b auth.Booking
	if err := s.queryRow(ctx, query, []any{id}, &b.ID, &b.RequesterID, &b.UserID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) Asset(ctx context.Context, id int64) (*auth.Asset, error) {
	var a auth.Asset
	if err := s.queryRow(ctx, `select id, coalesce(assigned_to, 0) from assets where id = $1`, []any{id}, &a.ID, &a.AssignedTo); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) SoulWon(ctx context.Context, id int64) (*auth.SoulWon, error) {
	var sw auth.SoulWon
	if err := s.queryRow(ctx, `select id, coalesce(life_center_id, 0) from souls_won where id = $1`, []any{id}, &sw.ID, &sw.LifeCenterID); err != nil {
		return nil, err
	}
	return &sw, nil
}

func (s *Store) Program(ctx context.Context, id int64) (*auth.Program, error) {
	var p auth.Program
	if err := s.queryRow(ctx, `select id, coalesce(department_id, 0) from programs where id = $1`, []any{id}, &p.ID, &p.DepartmentID); err != nil {
		return nil, err
	}
	return &p, nil
}

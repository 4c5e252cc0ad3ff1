package auth

import "context"

// UserStore loads users with their access level and memberships.
// Implementations return ErrNotFound when no row matches.
type UserStore interface {
	UserByID(ctx context.Context, id int64) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
}

// ResourceStore loads the ownership columns scoped checks compare
// against.
type ResourceStore interface {
	Visitor(ctx context.Context, id int64) (*Visitor, error)
	Appointment(ctx context.Context, id int64) (*Booking, error)
	Availability(ctx context.Context, id int64) (*Booking, error)
	Asset(ctx context.Context, id int64) (*Asset, error)
	SoulWon(ctx context.Context, id int64) (*SoulWon, error)
	Program(ctx context.Context, id int64) (*Program, error)
}

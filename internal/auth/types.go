package auth

import "time"

// AccessLevel is a named permission grant assigned to users.
type AccessLevel struct {
	ID          int64
	Name        string
	Permissions Permissions
	CreatedAt   time.Time
}

// User is a member account as loaded for authorization.
type User struct {
	ID              int64
	Name            string
	Email           string
	PasswordHash    string
	IsUser          bool
	AccessLevelID   int64
	Access          *AccessLevel
	DepartmentID    int64
	PositionDeptIDs []int64
	LifeCenterIDs   []int64
	MinistryWorker  bool
	UserCategory    string
}

// Visitor is a guest record followed up by responsible members.
type Visitor struct {
	ID                 int64
	ResponsibleMembers []int64
}

// Booking is an appointment or availability slot.
type Booking struct {
	ID          int64
	RequesterID int64
	UserID      int64
}

// Asset is church property assigned to a member.
type Asset struct {
	ID         int64
	AssignedTo int64
}

// SoulWon is a convert record owned by a life center.
type SoulWon struct {
	ID           int64
	LifeCenterID int64
}

// Program is a department-run program.
type Program struct {
	ID           int64
	DepartmentID int64
}

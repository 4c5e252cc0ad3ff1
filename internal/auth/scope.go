package auth

// Mode selects the row filter a scoped handler applies.
type Mode string

const (
	ModeAll         Mode = "all"
	ModeOwn         Mode = "own"
	ModeDepartment  Mode = "department"
	ModeResponsible Mode = "responsible"
	ModeMember      Mode = "member"
)

// ScopeKind names the resource a scope was derived for.
type ScopeKind string

const (
	ScopeMember      ScopeKind = "member"
	ScopeVisitor     ScopeKind = "visitor"
	ScopeAppointment ScopeKind = "appointment"
	ScopeAsset       ScopeKind = "asset"
	ScopeLifeCenter  ScopeKind = "life_center"
	ScopeProgram     ScopeKind = "program"
	ScopeOrder       ScopeKind = "order"
)

// Scope is a tagged filter descriptor. Only the field matching Mode is
// meaningful.
type Scope struct {
	Mode          Mode    `json:"mode"`
	Exclusions    []int64 `json:"exclusions,omitempty"`
	UserID        int64   `json:"userId,omitempty"`
	DepartmentIDs []int64 `json:"departmentIds,omitempty"`
	MemberID      int64   `json:"memberId,omitempty"`
	LifeCenterIDs []int64 `json:"lifeCenterIds,omitempty"`
}

func AllScope(exclusions []int64) Scope {
	return Scope{Mode: ModeAll, Exclusions: exclusions}
}

func OwnScope(userID int64) Scope {
	return Scope{Mode: ModeOwn, UserID: userID}
}

func DepartmentScope(ids []int64) Scope {
	return Scope{Mode: ModeDepartment, DepartmentIDs: ids}
}

func ResponsibleScope(memberID int64) Scope {
	return Scope{Mode: ModeResponsible, MemberID: memberID}
}

func MemberScope(lifeCenterIDs []int64) Scope {
	return Scope{Mode: ModeMember, LifeCenterIDs: lifeCenterIDs}
}

// Excludes reports whether id is filtered out of an "all" scope.
func (s Scope) Excludes(id int64) bool {
	for _, x := range s.Exclusions {
		if x == id {
			return true
		}
	}
	return false
}

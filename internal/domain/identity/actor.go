package identity

import (
	"errors"
	"strings"
)

// Role is a portal role name (lecturer, hod, hos, dean, ...)
type Role string

const (
	RoleStudent      Role = "student"
	RoleLecturer     Role = "lecturer"
	RoleHOD          Role = "hod"
	RoleHOS          Role = "hos"
	RoleDean         Role = "dean"
	RoleFinance      Role = "finance"
	RoleProcurement  Role = "procurement"
	RoleHostelWarden Role = "hostel_warden"
	RoleRegistrar    Role = "registrar"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// Scope is an organizational boundary. Empty fields widen the scope, so the
// zero Scope is university-wide.
type Scope struct {
	Faculty    string `json:"faculty,omitempty" yaml:"faculty"`
	School     string `json:"school,omitempty" yaml:"school"`
	Department string `json:"department,omitempty" yaml:"department"`
}

// Covers reports whether every field set on s matches the same field of subject.
func (s Scope) Covers(subject Scope) bool {
	return covers(s.Faculty, subject.Faculty) &&
		covers(s.School, subject.School) &&
		covers(s.Department, subject.Department)
}

// IsZero reports whether the scope is university-wide
func (s Scope) IsZero() bool {
	return s.Faculty == "" && s.School == "" && s.Department == ""
}

// String renders the scope as a path, e.g. "SCI/COMP/CS"
func (s Scope) String() string {
	if s.IsZero() {
		return "*"
	}
	parts := []string{orStar(s.Faculty), orStar(s.School), orStar(s.Department)}
	return strings.Join(parts, "/")
}

func covers(actor, subject string) bool {
	return actor == "" || strings.EqualFold(actor, subject)
}

func orStar(v string) string {
	if v == "" {
		return "*"
	}
	return v
}

// Actor is a role-scoped identity supplied by the role provider per call
type Actor struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Scope Scope  `json:"scope"`
}

// HasRole reports whether the actor holds the required role
func (a Actor) HasRole(required Role) bool {
	return required != "" && strings.EqualFold(string(a.Role), string(required))
}

// ScopeCovers reports whether the actor may act on a subject in the given scope
func (a Actor) ScopeCovers(subject Scope) bool {
	return a.Scope.Covers(subject)
}

// CanSignOff is the capability check for one approval stage
func (a Actor) CanSignOff(required Role, subject Scope) bool {
	return a.HasRole(required) && a.ScopeCovers(subject)
}

// ErrUnauthenticated is returned by role providers when a token resolves to no actor
var ErrUnauthenticated = errors.New("unauthenticated")

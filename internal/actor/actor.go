// Package actor carries the authenticated caller identity through the
// scheduling engine. Roles are explicit typed values checked at the API
// boundary rather than database-level filters.
package actor

// Role classifies a caller.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleStaff   Role = "staff"
	RoleSystem  Role = "system" // internal jobs such as the no-show sweeper
)

// Actor is an authenticated caller.
type Actor struct {
	ID   int64
	Role Role
}

// System is the actor used by background jobs.
var System = Actor{ID: 0, Role: RoleSystem}

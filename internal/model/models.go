// Package model holds the entities shared by the orchestration handlers.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Tenant-local identity lifecycle states.
type UserState string

const (
	UserActive    UserState = "Active"
	UserExited    UserState = "Exited"
	UserStandby   UserState = "Standby"
	UserCompleted UserState = "Completed"
)

// Terminal reports whether the state ends the user's participation.
func (s UserState) Terminal() bool {
	return s == UserCompleted || s == UserExited
}

// Event statuses. An empty status means the event has never been scheduled.
const (
	EventScheduled = "scheduled"
	EventRunning   = "running"
	EventDone      = "done"
	EventFailed    = "failed"
)

// Roles that are provisioned automatically when a join is created.
const (
	RoleParticipant = "participant"
	RoleGuest       = "guest"
)

// SelfServiceRole reports whether a tenant role is auto-provisioned on join.
func SelfServiceRole(role string) bool {
	return role == RoleParticipant || role == RoleGuest
}

// Center is a top-level tenancy grouping. Immutable once created.
type Center struct {
	ID   *RecordID `json:"id,omitempty"`
	Name string    `json:"name"`
}

// Project is a tenant workspace inside a center. Its creation triggers
// provisioning; token seeds the tenant's end-user auth scope.
type Project struct {
	ID     *RecordID `json:"id,omitempty"`
	Name   string    `json:"name"`
	Center RecordID  `json:"center"`
	State  string    `json:"state"`
	Token  string    `json:"token"`
}

// Join is the global record of a user's membership in a project. It is a
// graph relation: "in" points at the user, "out" at the project.
type Join struct {
	ID      RecordID  `json:"id"`
	User    RecordID  `json:"in"`
	Project RecordID  `json:"out"`
	State   string    `json:"state,omitempty"`
	Score   *float64  `json:"score,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// InterventionUser is the tenant-local identity created when a join is
// accepted. Its terminal states drive reconciliation back onto the Join.
type InterventionUser struct {
	ID    RecordID  `json:"id"`
	Pass  string    `json:"pass"`
	Role  string    `json:"role"`
	State UserState `json:"state"`
}

// Event is a tenant-scoped declarative recurring task. JobID is the live
// scheduler handle; it is set exactly while a timer is registered.
type Event struct {
	ID       *RecordID  `json:"id,omitempty"`
	Active   bool       `json:"active"`
	Script   string     `json:"script"`
	Status   string     `json:"status,omitempty"`
	JobID    *uuid.UUID `json:"job_id,omitempty"`
	Schedule string     `json:"schedule"`
	Since    *time.Time `json:"since,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
}

// Credentials are the bootstrap credentials for store sessions.
type Credentials struct {
	User string
	Pass string
}

package db

import (
	"time"

	"github.com/google/uuid"
)

type AuthorizationLevel string

const (
	LevelAlways        AuthorizationLevel = "always"
	LevelNever         AuthorizationLevel = "never"
	LevelEmergencyOnly AuthorizationLevel = "emergency_only"
)

type Location struct {
	ID   uuid.UUID
	Name string
	// Capacity is the configured maximum of concurrently open attendance
	// records. Nil means unlimited.
	Capacity *int32
}

type Attendance struct {
	ID         uuid.UUID
	PersonID   uuid.UUID
	LocationID uuid.UUID
	SessionID  *uuid.UUID
	// SecurityCode is set while the record is open and was created with a
	// code requested; cleared on close.
	SecurityCode      string
	CheckedInAt       time.Time
	CheckedOutAt      *time.Time
	ReleasedTo        *uuid.UUID
	ReleaseAuthorized *bool
	ReleaseOverride   *bool
}

func (a Attendance) Open() bool {
	return a.CheckedOutAt == nil
}

type AuthorizedPickupEntry struct {
	ID       uuid.UUID
	ChildID  uuid.UUID
	PersonID uuid.UUID
	Level    AuthorizationLevel
}

type PickupLog struct {
	ID           uuid.UUID
	AttendanceID uuid.UUID
	PersonID     uuid.UUID
	PersonName   string
	Authorized   bool
	EntryID      *uuid.UUID
	Override     bool
	OverrideBy   *uuid.UUID
	Notes        string
	CreatedAt    time.Time
}

// CapacitySnapshot is derived from open attendance at evaluation time and is
// never persisted.
type CapacitySnapshot struct {
	LocationID uuid.UUID
	OpenCount  int64
	Capacity   *int32
}

// CanAdmit reports whether one more occupant fits. A nil capacity means
// unlimited.
func (c CapacitySnapshot) CanAdmit() bool {
	return c.Capacity == nil || c.OpenCount < int64(*c.Capacity)
}

func (c CapacitySnapshot) AtCapacity() bool {
	return !c.CanAdmit()
}

type AdmitParams struct {
	ID           uuid.UUID
	PersonID     uuid.UUID
	LocationID   uuid.UUID
	SessionID    *uuid.UUID
	SecurityCode string
	CheckedInAt  time.Time
}

type RecordPickupParams struct {
	ID           uuid.UUID
	AttendanceID uuid.UUID
	PersonID     uuid.UUID
	PersonName   string
	Authorized   bool
	EntryID      *uuid.UUID
	Override     bool
	OverrideBy   *uuid.UUID
	Notes        string
	ReleasedAt   time.Time
}

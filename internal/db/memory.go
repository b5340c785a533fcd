package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store implementation with the same atomicity
// guarantees as the postgres store: admissions and closes run under one lock,
// so the capacity gate cannot be raced past.
type Memory struct {
	mu         sync.Mutex
	locations  map[uuid.UUID]Location
	persons    map[uuid.UUID]struct{}
	attendance map[uuid.UUID]*Attendance
	entries    map[uuid.UUID]map[uuid.UUID]AuthorizedPickupEntry
	logs       []PickupLog
}

func NewMemory() *Memory {
	return &Memory{
		locations:  make(map[uuid.UUID]Location),
		persons:    make(map[uuid.UUID]struct{}),
		attendance: make(map[uuid.UUID]*Attendance),
		entries:    make(map[uuid.UUID]map[uuid.UUID]AuthorizedPickupEntry),
	}
}

// Seeding

func (m *Memory) AddLocation(location Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[location.ID] = location
}

func (m *Memory) AddPerson(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persons[id] = struct{}{}
}

func (m *Memory) AddAuthorizedPickup(entry AuthorizedPickupEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[entry.ChildID] == nil {
		m.entries[entry.ChildID] = make(map[uuid.UUID]AuthorizedPickupEntry)
	}
	m.entries[entry.ChildID][entry.PersonID] = entry
}

func (m *Memory) Admit(_ context.Context, params AdmitParams) (Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	location, ok := m.locations[params.LocationID]
	if !ok {
		return Attendance{}, ErrUnknownLocation
	}
	if len(m.persons) > 0 {
		if _, ok := m.persons[params.PersonID]; !ok {
			return Attendance{}, ErrUnknownPerson
		}
	}

	var open int64
	for _, att := range m.attendance {
		if !att.Open() {
			continue
		}
		if att.LocationID == params.LocationID {
			open++
			if params.SecurityCode != "" && att.SecurityCode == params.SecurityCode {
				return Attendance{}, ErrCodeTaken
			}
		}
		if att.PersonID == params.PersonID && sameSessionScope(att, params) {
			return Attendance{}, ErrDuplicateAttendance
		}
	}
	snapshot := CapacitySnapshot{LocationID: location.ID, OpenCount: open, Capacity: location.Capacity}
	if !snapshot.CanAdmit() {
		return Attendance{}, ErrAtCapacity
	}

	att := Attendance{
		ID:           params.ID,
		PersonID:     params.PersonID,
		LocationID:   params.LocationID,
		SessionID:    params.SessionID,
		SecurityCode: params.SecurityCode,
		CheckedInAt:  params.CheckedInAt,
	}
	m.attendance[att.ID] = &att
	return att, nil
}

func (m *Memory) Occupancy(_ context.Context, locationID uuid.UUID) (CapacitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	location, ok := m.locations[locationID]
	if !ok {
		return CapacitySnapshot{}, ErrUnknownLocation
	}
	var open int64
	for _, att := range m.attendance {
		if att.Open() && att.LocationID == locationID {
			open++
		}
	}
	return CapacitySnapshot{LocationID: location.ID, OpenCount: open, Capacity: location.Capacity}, nil
}

func (m *Memory) ListOpenAttendanceByLocation(_ context.Context, locationID uuid.UUID) ([]Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []Attendance
	for _, att := range m.attendance {
		if att.Open() && att.LocationID == locationID {
			items = append(items, *att)
		}
	}
	sortAttendance(items)
	return items, nil
}

func (m *Memory) ListOpenAttendanceBefore(_ context.Context, cutoff time.Time) ([]Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []Attendance
	for _, att := range m.attendance {
		if att.Open() && att.CheckedInAt.Before(cutoff) {
			items = append(items, *att)
		}
	}
	sortAttendance(items)
	return items, nil
}

func (m *Memory) GetAttendance(_ context.Context, id uuid.UUID) (Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attendance[id]
	if !ok {
		return Attendance{}, ErrAttendanceNotFound
	}
	return *att, nil
}

func (m *Memory) GetAuthorizedPickup(_ context.Context, childID, personID uuid.UUID) (*AuthorizedPickupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[childID][personID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *Memory) RecordPickup(_ context.Context, params RecordPickupParams) (PickupLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attendance[params.AttendanceID]
	if !ok {
		return PickupLog{}, ErrAttendanceNotFound
	}
	if !att.Open() {
		return PickupLog{}, ErrAttendanceClosed
	}
	released := params.ReleasedAt
	authorized := params.Authorized
	override := params.Override
	att.CheckedOutAt = &released
	att.SecurityCode = ""
	att.ReleasedTo = &params.PersonID
	att.ReleaseAuthorized = &authorized
	att.ReleaseOverride = &override

	entry := PickupLog{
		ID:           params.ID,
		AttendanceID: params.AttendanceID,
		PersonID:     params.PersonID,
		PersonName:   params.PersonName,
		Authorized:   params.Authorized,
		EntryID:      params.EntryID,
		Override:     params.Override,
		OverrideBy:   params.OverrideBy,
		Notes:        params.Notes,
		CreatedAt:    params.ReleasedAt,
	}
	m.logs = append(m.logs, entry)
	return entry, nil
}

func (m *Memory) CloseWithoutPickup(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attendance[id]
	if !ok {
		return ErrAttendanceNotFound
	}
	if !att.Open() {
		return ErrAttendanceClosed
	}
	closed := at
	att.CheckedOutAt = &closed
	att.SecurityCode = ""
	return nil
}

// PickupLogs returns a copy of all recorded pickup logs.
func (m *Memory) PickupLogs() []PickupLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := make([]PickupLog, len(m.logs))
	copy(logs, m.logs)
	return logs
}

// Duplicate scope: same session when one is set, otherwise same location.
func sameSessionScope(att *Attendance, params AdmitParams) bool {
	if params.SessionID != nil {
		return att.SessionID != nil && *att.SessionID == *params.SessionID
	}
	return att.LocationID == params.LocationID
}

func sortAttendance(items []Attendance) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].CheckedInAt.Before(items[j].CheckedInAt)
	})
}

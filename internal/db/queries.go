package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const getLocation = `
SELECT id, name, capacity FROM locations WHERE id = $1
`

func (q *Queries) GetLocation(ctx context.Context, id uuid.UUID) (Location, error) {
	return scanLocation(q.db.QueryRow(ctx, getLocation, pgUUID(id)))
}

const getLocationForUpdate = `
SELECT id, name, capacity FROM locations WHERE id = $1 FOR UPDATE
`

// GetLocationForUpdate locks the location row for the duration of the
// transaction, serializing concurrent admissions for the same location.
func (q *Queries) GetLocationForUpdate(ctx context.Context, id uuid.UUID) (Location, error) {
	return scanLocation(q.db.QueryRow(ctx, getLocationForUpdate, pgUUID(id)))
}

const countOpenAttendanceByLocation = `
SELECT COUNT(*) FROM attendance WHERE location_id = $1 AND checked_out_at IS NULL
`

func (q *Queries) CountOpenAttendanceByLocation(ctx context.Context, locationID uuid.UUID) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, countOpenAttendanceByLocation, pgUUID(locationID)).Scan(&count)
	return count, err
}

const existsOpenAttendance = `
SELECT EXISTS (
	SELECT 1 FROM attendance
	WHERE person_id = $1
	  AND checked_out_at IS NULL
	  AND (($2::uuid IS NOT NULL AND session_id = $2)
	    OR ($2::uuid IS NULL AND location_id = $3))
)
`

type ExistsOpenAttendanceParams struct {
	PersonID   uuid.UUID
	SessionID  *uuid.UUID
	LocationID uuid.UUID
}

func (q *Queries) ExistsOpenAttendance(ctx context.Context, arg ExistsOpenAttendanceParams) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, existsOpenAttendance, pgUUID(arg.PersonID), pgUUIDPtr(arg.SessionID), pgUUID(arg.LocationID)).Scan(&exists)
	return exists, err
}

const existsOpenCode = `
SELECT EXISTS (
	SELECT 1 FROM attendance
	WHERE location_id = $1 AND security_code = $2 AND checked_out_at IS NULL
)
`

func (q *Queries) ExistsOpenCode(ctx context.Context, locationID uuid.UUID, code string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, existsOpenCode, pgUUID(locationID), code).Scan(&exists)
	return exists, err
}

const createAttendance = `
INSERT INTO attendance (id, person_id, location_id, session_id, security_code, checked_in_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

func (q *Queries) CreateAttendance(ctx context.Context, arg AdmitParams) error {
	_, err := q.db.Exec(ctx, createAttendance,
		pgUUID(arg.ID),
		pgUUID(arg.PersonID),
		pgUUID(arg.LocationID),
		pgUUIDPtr(arg.SessionID),
		pgTextEmpty(arg.SecurityCode),
		pgTime(arg.CheckedInAt),
	)
	return err
}

const getAttendance = `
SELECT id, person_id, location_id, session_id, security_code, checked_in_at,
       checked_out_at, released_to, release_authorized, release_override
FROM attendance WHERE id = $1
`

func (q *Queries) GetAttendance(ctx context.Context, id uuid.UUID) (Attendance, error) {
	return scanAttendance(q.db.QueryRow(ctx, getAttendance, pgUUID(id)))
}

const listOpenAttendanceByLocation = `
SELECT id, person_id, location_id, session_id, security_code, checked_in_at,
       checked_out_at, released_to, release_authorized, release_override
FROM attendance
WHERE location_id = $1 AND checked_out_at IS NULL
ORDER BY checked_in_at
`

func (q *Queries) ListOpenAttendanceByLocation(ctx context.Context, locationID uuid.UUID) ([]Attendance, error) {
	rows, err := q.db.Query(ctx, listOpenAttendanceByLocation, pgUUID(locationID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttendance(rows)
}

const listOpenAttendanceBefore = `
SELECT id, person_id, location_id, session_id, security_code, checked_in_at,
       checked_out_at, released_to, release_authorized, release_override
FROM attendance
WHERE checked_out_at IS NULL AND checked_in_at < $1
ORDER BY checked_in_at
`

func (q *Queries) ListOpenAttendanceBefore(ctx context.Context, cutoff time.Time) ([]Attendance, error) {
	rows, err := q.db.Query(ctx, listOpenAttendanceBefore, pgTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttendance(rows)
}

const closeAttendance = `
UPDATE attendance
SET checked_out_at = $2,
    security_code = NULL,
    released_to = $3,
    release_authorized = $4,
    release_override = $5
WHERE id = $1 AND checked_out_at IS NULL
`

type CloseAttendanceParams struct {
	ID                uuid.UUID
	CheckedOutAt      time.Time
	ReleasedTo        *uuid.UUID
	ReleaseAuthorized *bool
	ReleaseOverride   *bool
}

// CloseAttendance returns the number of rows updated; zero means the record
// was missing or already closed.
func (q *Queries) CloseAttendance(ctx context.Context, arg CloseAttendanceParams) (int64, error) {
	tag, err := q.db.Exec(ctx, closeAttendance,
		pgUUID(arg.ID),
		pgTime(arg.CheckedOutAt),
		pgUUIDPtr(arg.ReleasedTo),
		pgBoolPtr(arg.ReleaseAuthorized),
		pgBoolPtr(arg.ReleaseOverride),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const getAuthorizedPickup = `
SELECT id, child_id, person_id, level
FROM authorized_pickups
WHERE child_id = $1 AND person_id = $2
`

func (q *Queries) GetAuthorizedPickup(ctx context.Context, childID, personID uuid.UUID) (AuthorizedPickupEntry, error) {
	var entry AuthorizedPickupEntry
	var id, child, person pgtype.UUID
	var level string
	err := q.db.QueryRow(ctx, getAuthorizedPickup, pgUUID(childID), pgUUID(personID)).Scan(&id, &child, &person, &level)
	if err != nil {
		return entry, err
	}
	entry.ID = uuid.UUID(id.Bytes)
	entry.ChildID = uuid.UUID(child.Bytes)
	entry.PersonID = uuid.UUID(person.Bytes)
	entry.Level = AuthorizationLevel(level)
	return entry, nil
}

const createPickupLog = `
INSERT INTO pickup_logs (id, attendance_id, person_id, person_name, authorized, entry_id, override, override_by, notes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func (q *Queries) CreatePickupLog(ctx context.Context, arg RecordPickupParams) error {
	_, err := q.db.Exec(ctx, createPickupLog,
		pgUUID(arg.ID),
		pgUUID(arg.AttendanceID),
		pgUUID(arg.PersonID),
		arg.PersonName,
		arg.Authorized,
		pgUUIDPtr(arg.EntryID),
		arg.Override,
		pgUUIDPtr(arg.OverrideBy),
		arg.Notes,
		pgTime(arg.ReleasedAt),
	)
	return err
}

// Scan helpers

func scanLocation(row pgx.Row) (Location, error) {
	var loc Location
	var id pgtype.UUID
	var capacity pgtype.Int4
	if err := row.Scan(&id, &loc.Name, &capacity); err != nil {
		return loc, err
	}
	loc.ID = uuid.UUID(id.Bytes)
	if capacity.Valid {
		value := capacity.Int32
		loc.Capacity = &value
	}
	return loc, nil
}

type attendanceScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttendance(row attendanceScanner) (Attendance, error) {
	var att Attendance
	var id, person, location, session, releasedTo pgtype.UUID
	var code pgtype.Text
	var checkedIn, checkedOut pgtype.Timestamptz
	var authorized, override pgtype.Bool
	err := row.Scan(&id, &person, &location, &session, &code, &checkedIn, &checkedOut, &releasedTo, &authorized, &override)
	if err != nil {
		return att, err
	}
	att.ID = uuid.UUID(id.Bytes)
	att.PersonID = uuid.UUID(person.Bytes)
	att.LocationID = uuid.UUID(location.Bytes)
	if session.Valid {
		value := uuid.UUID(session.Bytes)
		att.SessionID = &value
	}
	if code.Valid {
		att.SecurityCode = code.String
	}
	att.CheckedInAt = checkedIn.Time
	if checkedOut.Valid {
		value := checkedOut.Time
		att.CheckedOutAt = &value
	}
	if releasedTo.Valid {
		value := uuid.UUID(releasedTo.Bytes)
		att.ReleasedTo = &value
	}
	if authorized.Valid {
		value := authorized.Bool
		att.ReleaseAuthorized = &value
	}
	if override.Valid {
		value := override.Bool
		att.ReleaseOverride = &value
	}
	return att, nil
}

func collectAttendance(rows pgx.Rows) ([]Attendance, error) {
	var items []Attendance
	for rows.Next() {
		att, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, att)
	}
	return items, rows.Err()
}

// pgtype conversions

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgUUIDPtr(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func pgTextEmpty(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}

func pgBoolPtr(value *bool) pgtype.Bool {
	if value == nil {
		return pgtype.Bool{}
	}
	return pgtype.Bool{Bool: *value, Valid: true}
}

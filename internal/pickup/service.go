// Package pickup decides whether a claimed pickup person may take a child
// home and records the release.
package pickup

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dev-brewery/koinon-rms-sub006/internal/db"
)

// Roles whose holders may authorize a supervisor override.
const (
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

var (
	ErrOverrideNotPermitted = errors.New("caller lacks the supervisor role")
	ErrMissingSupervisor    = errors.New("supervisor person is required for an override")
	ErrNotAuthorized        = errors.New("pickup was not authorized and no override was supplied")
)

type Store interface {
	GetAttendance(ctx context.Context, id uuid.UUID) (db.Attendance, error)
	GetAuthorizedPickup(ctx context.Context, childID, personID uuid.UUID) (*db.AuthorizedPickupEntry, error)
	RecordPickup(ctx context.Context, params db.RecordPickupParams) (db.PickupLog, error)
	CloseWithoutPickup(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

type VerifyResult struct {
	Authorized       bool
	Level            db.AuthorizationLevel
	MatchedEntryID   *uuid.UUID
	RequiresOverride bool
	Message          string
}

// FailedAttempt reports whether the outcome should count against the
// guessing budget. Override-eligible outcomes are structural, not evidence
// of guessing, and must neither increment nor reset the counter.
func (r VerifyResult) FailedAttempt() bool {
	return !r.Authorized && !r.RequiresOverride
}

// Verify evaluates a pickup claim. Rate limiting is the caller's
// precondition: a limited pair must be refused before this runs.
//
// Policy: a wrong code against a valid Always entry is a plain denial and
// counts as a failed attempt; override escalation is reserved for structural
// outcomes (no entry, Never, EmergencyOnly), which the guessing budget
// ignores.
func (s *Service) Verify(ctx context.Context, attendanceID, claimedPersonID uuid.UUID, presentedCode string) (VerifyResult, error) {
	att, err := s.store.GetAttendance(ctx, attendanceID)
	if err != nil {
		return VerifyResult{}, err
	}
	if !att.Open() {
		return VerifyResult{}, db.ErrAttendanceClosed
	}
	entry, err := s.store.GetAuthorizedPickup(ctx, att.PersonID, claimedPersonID)
	if err != nil {
		return VerifyResult{}, err
	}

	// Compare unconditionally so response timing does not reveal whether an
	// entry exists.
	codeMatches := att.SecurityCode != "" &&
		subtle.ConstantTimeCompare([]byte(att.SecurityCode), []byte(presentedCode)) == 1

	if entry == nil {
		return VerifyResult{
			RequiresOverride: true,
			Message:          "no authorized pickup entry on file for this person",
		}, nil
	}

	result := VerifyResult{Level: entry.Level, MatchedEntryID: &entry.ID}
	switch entry.Level {
	case db.LevelNever:
		result.RequiresOverride = true
		result.Message = "pickup by this person is explicitly denied"
	case db.LevelEmergencyOnly:
		// Never directly authorized, code or no code.
		result.RequiresOverride = true
		result.Message = "emergency-only pickup requires supervisor sign-off"
	case db.LevelAlways:
		// Records minted without a code carry no possession proof; the
		// standing entry alone decides.
		if att.SecurityCode != "" && !codeMatches {
			result.Message = "security code does not match"
			return result, nil
		}
		result.Authorized = true
		result.Message = "pickup authorized"
	default:
		result.RequiresOverride = true
		result.Message = "unrecognized authorization level"
	}
	return result, nil
}

type RecordParams struct {
	AttendanceID       uuid.UUID
	PickupPersonID     uuid.UUID
	PickupPersonName   string
	WasAuthorized      bool
	AuthorizedEntryID  *uuid.UUID
	SupervisorOverride bool
	SupervisorPersonID *uuid.UUID
	Notes              string
	CallerRoles        []string
}

// Record finalizes a release. The override permission is re-checked here
// against the caller's role set; upstream enforcement is not trusted for a
// security-sensitive action. All checks run before any mutation, so a
// rejected request leaves no state change.
func (s *Service) Record(ctx context.Context, params RecordParams) (db.PickupLog, error) {
	var overrideBy *uuid.UUID
	if params.SupervisorOverride {
		if !holdsSupervisorRole(params.CallerRoles) {
			return db.PickupLog{}, ErrOverrideNotPermitted
		}
		if params.SupervisorPersonID == nil {
			return db.PickupLog{}, ErrMissingSupervisor
		}
		overrideBy = params.SupervisorPersonID
	} else if !params.WasAuthorized {
		return db.PickupLog{}, ErrNotAuthorized
	}

	return s.store.RecordPickup(ctx, db.RecordPickupParams{
		ID:           uuid.New(),
		AttendanceID: params.AttendanceID,
		PersonID:     params.PickupPersonID,
		PersonName:   params.PickupPersonName,
		Authorized:   params.WasAuthorized,
		EntryID:      params.AuthorizedEntryID,
		Override:     params.SupervisorOverride,
		OverrideBy:   overrideBy,
		Notes:        params.Notes,
		ReleasedAt:   s.now().UTC(),
	})
}

// Checkout closes an attendance record without pickup verification. No
// pickup log is written; logs are reserved for actual releases.
func (s *Service) Checkout(ctx context.Context, attendanceID uuid.UUID) error {
	return s.store.CloseWithoutPickup(ctx, attendanceID, s.now().UTC())
}

func holdsSupervisorRole(roles []string) bool {
	for _, role := range roles {
		if role == RoleSupervisor || role == RoleAdmin {
			return true
		}
	}
	return false
}

// Package checkin admits occupants to capacity-constrained locations and
// mints their pickup security codes.
package checkin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dev-brewery/koinon-rms-sub006/internal/db"
)

// Per-item failure reasons. Business outcomes, not errors.
const (
	ReasonAtCapacity     = "at_capacity"
	ReasonDuplicate      = "duplicate_attendance"
	ReasonUnknownPerson  = "unknown_person"
	ReasonUnknownSession = "unknown_session"
	ReasonUnknownLoc     = "unknown_location"
	ReasonCodeGeneration = "code_generation_failed"
	ReasonStoreFailure   = "store_failure"
)

// maxCodeAttempts bounds regeneration when a freshly minted code collides
// with one already open at the location.
const maxCodeAttempts = 5

type Request struct {
	PersonID             uuid.UUID
	LocationID           uuid.UUID
	SessionID            *uuid.UUID
	GenerateSecurityCode bool
}

type ItemResult struct {
	Success       bool
	AttendanceID  uuid.UUID
	SecurityCode  string
	FailureReason string
}

type BatchResult struct {
	Items     []ItemResult
	Succeeded int
	Failed    int
}

func (b BatchResult) AllSucceeded() bool {
	return b.Failed == 0 && b.Succeeded > 0
}

type Store interface {
	Admit(ctx context.Context, params db.AdmitParams) (db.Attendance, error)
	Occupancy(ctx context.Context, locationID uuid.UUID) (db.CapacitySnapshot, error)
}

type CodeGenerator interface {
	Generate() (string, error)
}

type Service struct {
	store Store
	codes CodeGenerator
	now   func() time.Time
}

func NewService(store Store, codes CodeGenerator) *Service {
	return &Service{store: store, codes: codes, now: time.Now}
}

// CheckIn processes the batch item by item. One item's failure never aborts
// the others, and results come back in input order. Retrying a batch
// re-attempts every item; callers wanting idempotence must resubmit only the
// failed subset.
func (s *Service) CheckIn(ctx context.Context, items []Request) BatchResult {
	result := BatchResult{Items: make([]ItemResult, 0, len(items))}
	for _, item := range items {
		itemResult := s.checkInOne(ctx, item)
		if itemResult.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, itemResult)
	}
	return result
}

func (s *Service) checkInOne(ctx context.Context, item Request) ItemResult {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := ""
		if item.GenerateSecurityCode {
			generated, err := s.codes.Generate()
			if err != nil {
				return ItemResult{FailureReason: ReasonCodeGeneration}
			}
			code = generated
		}
		att, err := s.store.Admit(ctx, db.AdmitParams{
			ID:           uuid.New(),
			PersonID:     item.PersonID,
			LocationID:   item.LocationID,
			SessionID:    item.SessionID,
			SecurityCode: code,
			CheckedInAt:  s.now().UTC(),
		})
		switch {
		case err == nil:
			return ItemResult{Success: true, AttendanceID: att.ID, SecurityCode: att.SecurityCode}
		case errors.Is(err, db.ErrCodeTaken):
			continue
		case errors.Is(err, db.ErrAtCapacity):
			return ItemResult{FailureReason: ReasonAtCapacity}
		case errors.Is(err, db.ErrDuplicateAttendance):
			return ItemResult{FailureReason: ReasonDuplicate}
		case errors.Is(err, db.ErrUnknownPerson):
			return ItemResult{FailureReason: ReasonUnknownPerson}
		case errors.Is(err, db.ErrUnknownSession):
			return ItemResult{FailureReason: ReasonUnknownSession}
		case errors.Is(err, db.ErrUnknownLocation):
			return ItemResult{FailureReason: ReasonUnknownLoc}
		default:
			return ItemResult{FailureReason: ReasonStoreFailure}
		}
	}
	return ItemResult{FailureReason: ReasonCodeGeneration}
}

// Occupancy answers the capacity gate question for callers outside an
// admission: the snapshot is computed on demand and never cached.
func (s *Service) Occupancy(ctx context.Context, locationID uuid.UUID) (db.CapacitySnapshot, error) {
	return s.store.Occupancy(ctx, locationID)
}

package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool    *pgxpool.Pool
	Queries *Queries
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, databaseURL)
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Queries: New(pool)}
}

func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Admit runs the capacity gate and attendance insert as one unit of work. The
// location row is locked first so two concurrent admissions for the same
// location cannot both observe room for one more.
func (s *Store) Admit(ctx context.Context, params AdmitParams) (Attendance, error) {
	var att Attendance
	err := s.WithTx(ctx, func(q *Queries) error {
		location, err := q.GetLocationForUpdate(ctx, params.LocationID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUnknownLocation
			}
			return err
		}
		count, err := q.CountOpenAttendanceByLocation(ctx, params.LocationID)
		if err != nil {
			return err
		}
		snapshot := CapacitySnapshot{LocationID: location.ID, OpenCount: count, Capacity: location.Capacity}
		if !snapshot.CanAdmit() {
			return ErrAtCapacity
		}
		duplicate, err := q.ExistsOpenAttendance(ctx, ExistsOpenAttendanceParams{
			PersonID:   params.PersonID,
			SessionID:  params.SessionID,
			LocationID: params.LocationID,
		})
		if err != nil {
			return err
		}
		if duplicate {
			return ErrDuplicateAttendance
		}
		if params.SecurityCode != "" {
			taken, err := q.ExistsOpenCode(ctx, params.LocationID, params.SecurityCode)
			if err != nil {
				return err
			}
			if taken {
				return ErrCodeTaken
			}
		}
		if err := q.CreateAttendance(ctx, params); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				if mapped := mapAttendanceInsertError(pgErr); mapped != nil {
					return mapped
				}
			}
			return err
		}
		att = Attendance{
			ID:           params.ID,
			PersonID:     params.PersonID,
			LocationID:   params.LocationID,
			SessionID:    params.SessionID,
			SecurityCode: params.SecurityCode,
			CheckedInAt:  params.CheckedInAt,
		}
		return nil
	})
	return att, err
}

func (s *Store) Occupancy(ctx context.Context, locationID uuid.UUID) (CapacitySnapshot, error) {
	location, err := s.Queries.GetLocation(ctx, locationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CapacitySnapshot{}, ErrUnknownLocation
		}
		return CapacitySnapshot{}, err
	}
	count, err := s.Queries.CountOpenAttendanceByLocation(ctx, locationID)
	if err != nil {
		return CapacitySnapshot{}, err
	}
	return CapacitySnapshot{LocationID: location.ID, OpenCount: count, Capacity: location.Capacity}, nil
}

func (s *Store) ListOpenAttendanceByLocation(ctx context.Context, locationID uuid.UUID) ([]Attendance, error) {
	return s.Queries.ListOpenAttendanceByLocation(ctx, locationID)
}

func (s *Store) ListOpenAttendanceBefore(ctx context.Context, cutoff time.Time) ([]Attendance, error) {
	return s.Queries.ListOpenAttendanceBefore(ctx, cutoff)
}

func (s *Store) GetAttendance(ctx context.Context, id uuid.UUID) (Attendance, error) {
	att, err := s.Queries.GetAttendance(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attendance{}, ErrAttendanceNotFound
		}
		return Attendance{}, err
	}
	return att, nil
}

func (s *Store) GetAuthorizedPickup(ctx context.Context, childID, personID uuid.UUID) (*AuthorizedPickupEntry, error) {
	entry, err := s.Queries.GetAuthorizedPickup(ctx, childID, personID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// RecordPickup writes the pickup log and closes the attendance record in one
// transaction; either both happen or neither does.
func (s *Store) RecordPickup(ctx context.Context, params RecordPickupParams) (PickupLog, error) {
	var entry PickupLog
	err := s.WithTx(ctx, func(q *Queries) error {
		authorized := params.Authorized
		override := params.Override
		rows, err := q.CloseAttendance(ctx, CloseAttendanceParams{
			ID:                params.AttendanceID,
			CheckedOutAt:      params.ReleasedAt,
			ReleasedTo:        &params.PersonID,
			ReleaseAuthorized: &authorized,
			ReleaseOverride:   &override,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return s.closeFailure(ctx, q, params.AttendanceID)
		}
		if err := q.CreatePickupLog(ctx, params); err != nil {
			return err
		}
		entry = PickupLog{
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
		return nil
	})
	return entry, err
}

// CloseWithoutPickup closes the record without writing a pickup log: the
// checkout-without-verification path, also used by the stale-close job.
func (s *Store) CloseWithoutPickup(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.WithTx(ctx, func(q *Queries) error {
		rows, err := q.CloseAttendance(ctx, CloseAttendanceParams{ID: id, CheckedOutAt: at})
		if err != nil {
			return err
		}
		if rows == 0 {
			return s.closeFailure(ctx, q, id)
		}
		return nil
	})
}

// mapAttendanceInsertError translates constraint violations from the
// attendance insert into sentinels. The location FK cannot fire here; the
// locked lookup resolves it first.
func mapAttendanceInsertError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case "23503":
		if strings.Contains(pgErr.ConstraintName, "session") {
			return ErrUnknownSession
		}
		return ErrUnknownPerson
	case "23505":
		return ErrCodeTaken
	}
	return nil
}

func (s *Store) closeFailure(ctx context.Context, q *Queries, id uuid.UUID) error {
	if _, err := q.GetAttendance(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAttendanceNotFound
		}
		return err
	}
	return ErrAttendanceClosed
}

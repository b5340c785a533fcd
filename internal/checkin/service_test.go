package checkin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dev-brewery/koinon-rms-sub006/internal/db"
	"github.com/dev-brewery/koinon-rms-sub006/internal/securecode"
)

func newTestService(t *testing.T) (*Service, *db.Memory) {
	t.Helper()
	gen, err := securecode.New(securecode.DefaultLength)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	store := db.NewMemory()
	return NewService(store, gen), store
}

func addLocation(store *db.Memory, capacity *int32) uuid.UUID {
	id := uuid.New()
	store.AddLocation(db.Location{ID: id, Name: "Nursery", Capacity: capacity})
	return id
}

func capOf(n int32) *int32 { return &n }

func TestCheckInResultsMatchInputOrder(t *testing.T) {
	svc, store := newTestService(t)
	locationID := addLocation(store, nil)
	missing := uuid.New()

	items := []Request{
		{PersonID: uuid.New(), LocationID: locationID, GenerateSecurityCode: true},
		{PersonID: uuid.New(), LocationID: missing},
		{PersonID: uuid.New(), LocationID: locationID},
	}
	result := svc.CheckIn(context.Background(), items)

	if len(result.Items) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(result.Items))
	}
	if !result.Items[0].Success || !result.Items[2].Success {
		t.Fatalf("expected items 0 and 2 to succeed: %+v", result.Items)
	}
	if result.Items[1].Success || result.Items[1].FailureReason != ReasonUnknownLoc {
		t.Fatalf("expected item 1 to fail with %s, got %+v", ReasonUnknownLoc, result.Items[1])
	}
	if result.Succeeded != 2 || result.Failed != 1 || result.AllSucceeded() {
		t.Fatalf("unexpected aggregate: %+v", result)
	}
	if result.Items[0].SecurityCode == "" {
		t.Fatalf("expected a security code on item 0")
	}
	if result.Items[2].SecurityCode != "" {
		t.Fatalf("expected no security code on item 2")
	}
}

func TestCheckInAtCapacity(t *testing.T) {
	svc, store := newTestService(t)
	locationID := addLocation(store, capOf(2))

	first := svc.CheckIn(context.Background(), []Request{
		{PersonID: uuid.New(), LocationID: locationID},
		{PersonID: uuid.New(), LocationID: locationID},
	})
	if !first.AllSucceeded() {
		t.Fatalf("expected both admissions to succeed: %+v", first)
	}

	third := svc.CheckIn(context.Background(), []Request{
		{PersonID: uuid.New(), LocationID: locationID},
	})
	if third.Items[0].Success || third.Items[0].FailureReason != ReasonAtCapacity {
		t.Fatalf("expected at_capacity, got %+v", third.Items[0])
	}

	// A checkout frees the slot and the same request is admitted.
	if err := store.CloseWithoutPickup(context.Background(), first.Items[0].AttendanceID, timeNow()); err != nil {
		t.Fatalf("close: %v", err)
	}
	retry := svc.CheckIn(context.Background(), []Request{
		{PersonID: uuid.New(), LocationID: locationID},
	})
	if !retry.Items[0].Success {
		t.Fatalf("expected admission after checkout, got %+v", retry.Items[0])
	}
}

func TestCheckInDuplicateSameSession(t *testing.T) {
	svc, store := newTestService(t)
	locationID := addLocation(store, nil)
	personID := uuid.New()
	sessionID := uuid.New()

	first := svc.CheckIn(context.Background(), []Request{
		{PersonID: personID, LocationID: locationID, SessionID: &sessionID},
	})
	if !first.AllSucceeded() {
		t.Fatalf("expected first admission to succeed: %+v", first)
	}
	second := svc.CheckIn(context.Background(), []Request{
		{PersonID: personID, LocationID: locationID, SessionID: &sessionID},
	})
	if second.Items[0].Success || second.Items[0].FailureReason != ReasonDuplicate {
		t.Fatalf("expected duplicate_attendance, got %+v", second.Items[0])
	}
}

func TestCheckInRegeneratesOnCodeCollision(t *testing.T) {
	store := db.NewMemory()
	locationID := uuid.New()
	store.AddLocation(db.Location{ID: locationID, Name: "Nursery"})

	// Occupy a code, then hand the service a generator that yields the taken
	// code first.
	taken := "ABCDE"
	if _, err := store.Admit(context.Background(), db.AdmitParams{
		ID: uuid.New(), PersonID: uuid.New(), LocationID: locationID,
		SecurityCode: taken, CheckedInAt: timeNow(),
	}); err != nil {
		t.Fatalf("seed admit: %v", err)
	}

	svc := NewService(store, &scriptedCodes{codes: []string{taken, taken, "FGHJK"}})
	result := svc.CheckIn(context.Background(), []Request{
		{PersonID: uuid.New(), LocationID: locationID, GenerateSecurityCode: true},
	})
	if !result.Items[0].Success {
		t.Fatalf("expected success after regeneration, got %+v", result.Items[0])
	}
	if result.Items[0].SecurityCode != "FGHJK" {
		t.Fatalf("expected the regenerated code, got %q", result.Items[0].SecurityCode)
	}
}

func TestCheckInGivesUpAfterRepeatedCollisions(t *testing.T) {
	store := db.NewMemory()
	locationID := uuid.New()
	store.AddLocation(db.Location{ID: locationID, Name: "Nursery"})
	taken := "ABCDE"
	if _, err := store.Admit(context.Background(), db.AdmitParams{
		ID: uuid.New(), PersonID: uuid.New(), LocationID: locationID,
		SecurityCode: taken, CheckedInAt: timeNow(),
	}); err != nil {
		t.Fatalf("seed admit: %v", err)
	}

	svc := NewService(store, &scriptedCodes{codes: []string{taken, taken, taken, taken, taken}})
	result := svc.CheckIn(context.Background(), []Request{
		{PersonID: uuid.New(), LocationID: locationID, GenerateSecurityCode: true},
	})
	if result.Items[0].Success || result.Items[0].FailureReason != ReasonCodeGeneration {
		t.Fatalf("expected code_generation_failed, got %+v", result.Items[0])
	}
}

func TestConcurrentCheckInsNeverExceedCapacity(t *testing.T) {
	svc, store := newTestService(t)
	locationID := addLocation(store, capOf(10))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := svc.CheckIn(context.Background(), []Request{
				{PersonID: uuid.New(), LocationID: locationID, GenerateSecurityCode: true},
			})
			if result.Items[0].Success {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if result.Items[0].FailureReason != ReasonAtCapacity {
				t.Errorf("unexpected failure: %+v", result.Items[0])
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", admitted)
	}
	snapshot, err := svc.Occupancy(context.Background(), locationID)
	if err != nil {
		t.Fatalf("occupancy: %v", err)
	}
	if snapshot.OpenCount != 10 || !snapshot.AtCapacity() {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestOccupancyUnknownLocation(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Occupancy(context.Background(), uuid.New()); !errors.Is(err, db.ErrUnknownLocation) {
		t.Fatalf("expected ErrUnknownLocation, got %v", err)
	}
}

func TestCheckInReasonPerStoreError(t *testing.T) {
	cases := map[string]struct {
		err    error
		reason string
	}{
		"unknown person":  {db.ErrUnknownPerson, ReasonUnknownPerson},
		"unknown session": {db.ErrUnknownSession, ReasonUnknownSession},
		"unknown loc":     {db.ErrUnknownLocation, ReasonUnknownLoc},
		"at capacity":     {db.ErrAtCapacity, ReasonAtCapacity},
		"duplicate":       {db.ErrDuplicateAttendance, ReasonDuplicate},
	}
	gen, err := securecode.New(securecode.DefaultLength)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	for name, tc := range cases {
		svc := NewService(erroringStore{err: tc.err}, gen)
		result := svc.CheckIn(context.Background(), []Request{{PersonID: uuid.New(), LocationID: uuid.New()}})
		if result.Items[0].Success || result.Items[0].FailureReason != tc.reason {
			t.Fatalf("%s: expected reason %s, got %+v", name, tc.reason, result.Items[0])
		}
	}
}

type erroringStore struct{ err error }

func (s erroringStore) Admit(context.Context, db.AdmitParams) (db.Attendance, error) {
	return db.Attendance{}, s.err
}

func (s erroringStore) Occupancy(context.Context, uuid.UUID) (db.CapacitySnapshot, error) {
	return db.CapacitySnapshot{}, s.err
}

func timeNow() time.Time { return time.Now().UTC() }

type scriptedCodes struct {
	mu    sync.Mutex
	codes []string
}

func (s *scriptedCodes) Generate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return "ZZZZZ", nil
	}
	code := s.codes[0]
	s.codes = s.codes[1:]
	return code, nil
}

package jobs

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dev-brewery/koinon-rms-sub006/internal/config"
	"github.com/dev-brewery/koinon-rms-sub006/internal/db"
)

// StaleStore lists and closes attendance records left open past their day.
type StaleStore interface {
	ListOpenAttendanceBefore(ctx context.Context, cutoff time.Time) ([]db.Attendance, error)
	CloseWithoutPickup(ctx context.Context, id uuid.UUID, at time.Time) error
}

func StartStaleCloseJob(ctx context.Context, cfg config.Config, store StaleStore) {
	if !cfg.StaleCloseJobEnabled {
		return
	}
	if store == nil {
		log.Printf("stale close job disabled: store not configured")
		return
	}
	interval := cfg.StaleCloseJobInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.StaleCloseJobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	staleAfter := cfg.StaleCloseAfter
	if staleAfter <= 0 {
		staleAfter = 12 * time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				closed, err := closeStale(tickCtx, store, now.Add(-staleAfter), now)
				cancel()
				if err != nil {
					log.Printf("stale close job error: %v", err)
					continue
				}
				if closed > 0 {
					log.Printf("stale close job closed %d attendance records", closed)
				}
			}
		}
	}()
}

func closeStale(ctx context.Context, store StaleStore, cutoff, now time.Time) (int, error) {
	rows, err := store.ListOpenAttendanceBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, row := range rows {
		if err := store.CloseWithoutPickup(ctx, row.ID, now); err != nil {
			// Another worker may have closed it between list and close.
			log.Printf("stale close job: attendance %s: %v", row.ID, err)
			continue
		}
		closed++
	}
	return closed, nil
}

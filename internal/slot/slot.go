// Package slot implements cluster-wide per-minute dispatch admission
// control on top of a single relational upsert — no external lock.
package slot

import (
	"context"
	"fmt"
	"time"

	"github.com/npcloud/control-plane/internal/store"
)

// Source distinguishes a freshly scheduled dispatch from a retry re-dispatch
// when incrementing a minute bucket's counters.
type Source string

const (
	SourceScheduled Source = store.SlotSourceScheduled
	SourceRetry     Source = store.SlotSourceRetry
)

// Reservation is the result of a successful ReserveSlot call.
type Reservation struct {
	MinuteStart time.Time
	Load        *store.DispatchMinuteLoad
	OffsetMin   int
}

// reserver is the subset of store.Repository that slot reservation needs.
type reserver interface {
	ReserveMinuteSlot(ctx context.Context, minuteStart time.Time, scheduledInc, retryInc, maxPerMinute int) (*store.DispatchMinuteLoad, bool, error)
}

// ReserveSlot attempts to atomically reserve one unit of dispatch capacity
// starting at the minute containing preferredAt, walking forward up to
// lookaheadMinutes when a candidate minute is already at maxPerMinute. It
// returns the first minute that accepted the reservation, or ok=false if
// every minute in the window was full.
func ReserveSlot(ctx context.Context, repo reserver, preferredAt time.Time, source Source, maxPerMinute, lookaheadMinutes int) (*Reservation, bool, error) {
	scheduledInc, retryInc := 0, 0
	switch source {
	case SourceScheduled:
		scheduledInc = 1
	case SourceRetry:
		retryInc = 1
	default:
		return nil, false, fmt.Errorf("slot: unknown source %q", source)
	}

	start := FloorToMinute(preferredAt)
	for offset := 0; offset <= lookaheadMinutes; offset++ {
		candidate := start.Add(time.Duration(offset) * time.Minute)
		load, ok, err := repo.ReserveMinuteSlot(ctx, candidate, scheduledInc, retryInc, maxPerMinute)
		if err != nil {
			return nil, false, fmt.Errorf("reserve minute slot at offset %d: %w", offset, err)
		}
		if ok {
			return &Reservation{MinuteStart: candidate, Load: load, OffsetMin: offset}, true, nil
		}
	}
	return nil, false, nil
}

// FloorToMinute truncates t down to the start of its minute, in UTC.
func FloorToMinute(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC)
}

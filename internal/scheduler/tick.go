// Package scheduler implements the periodic scheduler tick: scan due
// instances, reserve per-minute dispatch quota, enqueue delivery messages,
// advance each instance's next_run_at, and trigger maintenance once per
// hour.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/npcloud/control-plane/internal/httpapi"
	"github.com/npcloud/control-plane/internal/queue"
	"github.com/npcloud/control-plane/internal/registration"
	"github.com/npcloud/control-plane/internal/slot"
	"github.com/npcloud/control-plane/internal/store"
)

// maintenanceMinute is the UTC minute-of-hour at which a tick also runs the
// maintenance pass.
const maintenanceMinute = 13

// producer is the subset of queue.Producer the scheduler needs to enqueue
// freshly scheduled deliveries. Narrowed to an interface so tests can
// substitute an in-memory fake.
type producer interface {
	Send(ctx context.Context, msg queue.DispatchMessage, delaySeconds int32) error
}

// MaintenanceRunner runs the once-per-hour pruning/rollup pass.
type MaintenanceRunner interface {
	Run(ctx context.Context, now time.Time) error
}

// Tick holds everything one scheduler scan needs.
type Tick struct {
	Repo     store.Repository
	Producer producer

	Maintenance MaintenanceRunner

	MaxDispatchPerMinute    int
	MaxSlotLookaheadMinutes int
	MaxScheduleScanPerTick  int
	ScheduleBatchLimit      int

	Now func() time.Time
}

func (t *Tick) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Result summarizes one tick's work.
type Result struct {
	Scanned        int
	Enqueued       int
	SlotExhausted  int
	EnqueueFailed  int
	MaintenanceRan bool
}

// Start runs Tick.Run on a fixed interval until ctx is cancelled. One last
// tick executes on shutdown so a pending batch isn't simply dropped.
func (t *Tick) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] starting", "interval", interval)

	for {
		select {
		case <-ticker.C:
			if res, err := t.Run(ctx); err != nil {
				slog.Error("[Scheduler] tick failed", "error", err)
			} else {
				slog.Info("[Scheduler] tick complete", "scanned", res.Scanned, "enqueued", res.Enqueued, "slot_exhausted", res.SlotExhausted, "enqueue_failed", res.EnqueueFailed, "maintenance_ran", res.MaintenanceRan)
			}
		case <-ctx.Done():
			slog.Info("[Scheduler] stopping, running final tick")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := t.Run(shutdownCtx); err != nil {
				slog.Error("[Scheduler] final tick failed", "error", err)
			}
			return nil
		}
	}
}

// Run executes one scheduler tick. It loops batches of due rows
// until either no rows remain, the per-tick enqueue ceiling is reached, or a
// full batch made no progress (every row in it lost the slot race — further
// identical batches would only spin without making headway; those rows stay
// eligible and are picked up on the next tick).
func (t *Tick) Run(ctx context.Context) (Result, error) {
	tickTime := t.now()
	var res Result

	for res.Enqueued < t.MaxScheduleScanPerTick {
		due, err := t.Repo.ListDueInstances(ctx, tickTime, t.ScheduleBatchLimit)
		if err != nil {
			return res, fmt.Errorf("list due instances: %w", err)
		}
		if len(due) == 0 {
			break
		}

		progressed := false
		for _, inst := range due {
			res.Scanned++

			reservation, ok, err := slot.ReserveSlot(ctx, t.Repo, tickTime, slot.SourceScheduled, t.MaxDispatchPerMinute, t.MaxSlotLookaheadMinutes)
			if err != nil {
				slog.Error("[Scheduler] slot reservation failed", "instance_id", inst.InstanceID, "error", err)
				continue
			}
			if !ok {
				res.SlotExhausted++
				continue
			}
			progressed = true

			t.enqueueOne(ctx, inst, reservation.MinuteStart, tickTime, &res)

			if res.Enqueued >= t.MaxScheduleScanPerTick {
				break
			}
		}

		if !progressed || len(due) < t.ScheduleBatchLimit {
			break
		}
	}

	if tickTime.UTC().Minute() == maintenanceMinute && t.Maintenance != nil {
		if err := t.Maintenance.Run(ctx, tickTime); err != nil {
			slog.Error("[Scheduler] maintenance run failed", "error", err)
		} else {
			res.MaintenanceRan = true
		}
	}

	return res, nil
}

// enqueueOne creates the delivery, enqueues its dispatch message, and
// advances the instance's next_run_at — the three steps that happen once a
// slot has been reserved.
func (t *Tick) enqueueOne(ctx context.Context, inst *store.Instance, slotMinute, tickTime time.Time, res *Result) {
	now := t.now()
	deliveryID := "dlv_" + uuid.NewString()

	if err := t.Repo.CreateDelivery(ctx, store.Delivery{
		ID:           deliveryID,
		InstanceID:   inst.InstanceID,
		ScheduledFor: slotMinute,
		EnqueuedAt:   now,
		Status:       store.DeliveryQueued,
	}); err != nil {
		slog.Error("[Scheduler] create delivery failed", "instance_id", inst.InstanceID, "error", err)
		return
	}

	msg := queue.DispatchMessage{
		DeliveryID:      deliveryID,
		InstanceID:      inst.InstanceID,
		SiteID:          inst.SiteID,
		SiteURL:         derefOr(inst.SiteURL),
		ScheduledFor:    slotMinute,
		EnqueuedAt:      now,
		DispatchAttempt: 1,
	}

	if err := t.Producer.Send(ctx, msg, delaySecondsUntil(slotMinute, now)); err != nil {
		slog.Error("[Scheduler] enqueue failed", "delivery_id", deliveryID, "error", err)
		if merr := t.Repo.MarkDeliveryFailed(ctx, deliveryID, nil, httpapi.ErrQueueSendFailed, err.Error()); merr != nil {
			slog.Error("[Scheduler] mark delivery failed (queue send) errored", "delivery_id", deliveryID, "error", merr)
		}
		if merr := t.Repo.MarkDeliveryDead(ctx, deliveryID, httpapi.ErrQueueSendFailed, err.Error(), now); merr != nil {
			slog.Error("[Scheduler] mark delivery dead (queue send) errored", "delivery_id", deliveryID, "error", merr)
		}
		res.EnqueueFailed++
	} else {
		res.Enqueued++
	}

	nextRun := registration.ComputeNextRunAt(inst.MinuteOfDay, tickTime)
	if err := t.Repo.AdvanceNextRun(ctx, inst.InstanceID, nextRun); err != nil {
		slog.Error("[Scheduler] advance next_run_at failed", "instance_id", inst.InstanceID, "error", err)
	}
}

// delaySecondsUntil is ceil((target-now)/1s), clamped to 0.
func delaySecondsUntil(target, now time.Time) int32 {
	d := target.Sub(now)
	if d <= 0 {
		return 0
	}
	whole := int32(d / time.Second)
	if d%time.Second != 0 {
		whole++
	}
	return whole
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

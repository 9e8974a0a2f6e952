package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/npcloud/control-plane/internal/httpapi"
	"github.com/npcloud/control-plane/internal/slot"
	"github.com/npcloud/control-plane/internal/store"
)

// sender is the subset of Producer the consumer-side retry logic needs,
// narrowed so tests can substitute an in-memory fake.
type sender interface {
	Send(ctx context.Context, msg DispatchMessage, delaySeconds int32) error
}

// Processor drives the consumer side of the dispatch/retry/dead-letter
// state machine. It never returns an error to its caller:
// every failure it encounters is already reflected as a delivery-state
// transition before the message is acked.
type Processor struct {
	Repo       store.Repository
	Dispatcher *Dispatcher
	Producer   sender

	MaxRetryAttempts        int
	MaxDispatchPerMinute    int
	MaxSlotLookaheadMinutes int

	Now func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// HandleMain processes one message received from the main dispatch queue.
func (p *Processor) HandleMain(ctx context.Context, body []byte) {
	var msg DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil || !msg.valid() {
		slog.Warn("[Queue] dropping invalid dispatch message", "error", err)
		return
	}

	switch p.Dispatcher.Dispatch(ctx, msg, msg.DispatchAttempt) {
	case OutcomeSuccess, OutcomeDrop:
		return
	case OutcomeRetry:
		p.scheduleRetry(ctx, msg)
	}
}

// HandleDLQ processes one message received directly from the dead-letter
// queue: its delivery is marked dead unconditionally. An
// invalid payload is dropped silently.
func (p *Processor) HandleDLQ(ctx context.Context, body []byte) {
	var msg DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.DeliveryID == "" {
		return
	}
	if err := p.Repo.MarkDeliveryDead(ctx, msg.DeliveryID, httpapi.ErrDLQReached, "dead-letter queue reached", p.now()); err != nil {
		slog.Error("[Queue] DLQ mark-dead failed", "delivery_id", msg.DeliveryID, "error", err)
	}
}

// scheduleRetry either marks the delivery dead (attempt ceiling reached,
// no retry slot available, or the re-enqueue itself failed) or re-enqueues
// a shallow copy of msg with the next attempt number and a fresh delay.
func (p *Processor) scheduleRetry(ctx context.Context, msg DispatchMessage) {
	now := p.now()

	if msg.DispatchAttempt >= p.MaxRetryAttempts {
		if err := p.Repo.MarkDeliveryDead(ctx, msg.DeliveryID, httpapi.ErrMaxAttemptsExceeded, "max retry attempts exceeded", now); err != nil {
			slog.Error("[Queue] mark dead (max attempts) failed", "delivery_id", msg.DeliveryID, "error", err)
		}
		return
	}

	preferredAt := now.Add(backoffFor(msg.DispatchAttempt))

	res, ok, err := slot.ReserveSlot(ctx, p.Repo, preferredAt, slot.SourceRetry, p.MaxDispatchPerMinute, p.MaxSlotLookaheadMinutes)
	if err != nil {
		slog.Error("[Queue] retry slot reservation failed", "delivery_id", msg.DeliveryID, "error", err)
	}
	if err != nil || !ok {
		if derr := p.Repo.MarkDeliveryDead(ctx, msg.DeliveryID, httpapi.ErrRetryScheduleFailed, "no retry slot available", now); derr != nil {
			slog.Error("[Queue] mark dead (retry schedule) failed", "delivery_id", msg.DeliveryID, "error", derr)
		}
		return
	}

	next := msg
	next.DispatchAttempt = msg.DispatchAttempt + 1
	next.EnqueuedAt = now

	delaySeconds := int32(math.Ceil(res.MinuteStart.Sub(now).Seconds()))
	if delaySeconds < 0 {
		delaySeconds = 0
	}

	if err := p.Producer.Send(ctx, next, delaySeconds); err != nil {
		slog.Error("[Queue] re-enqueue failed", "delivery_id", msg.DeliveryID, "error", err)
		if derr := p.Repo.MarkDeliveryDead(ctx, msg.DeliveryID, httpapi.ErrQueueSendFailed, err.Error(), now); derr != nil {
			slog.Error("[Queue] mark dead (queue send) failed", "delivery_id", msg.DeliveryID, "error", derr)
		}
	}
}

// backoffFor returns the wait before the next attempt after attemptNo
// fails: 30 * 2^(attemptNo-1) seconds, capped at 900s.
func backoffFor(attemptNo int) time.Duration {
	seconds := 30 * math.Pow(2, float64(attemptNo-1))
	if seconds > 900 {
		seconds = 900
	}
	return time.Duration(seconds) * time.Second
}

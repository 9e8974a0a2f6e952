package queue

import (
	"context"
	"log/slog"
)

// Worker long-polls one SQS queue and dispatches each received message to
// the matching Processor method, based on Consumer.IsDLQ.
type Worker struct {
	Consumer  *Consumer
	Processor *Processor
}

// Run polls c.Consumer in a loop until ctx is cancelled. Each call to Poll
// blocks for up to the consumer's WaitTimeSeconds when the queue is empty,
// so this loop does not busy-spin.
func (w *Worker) Run(ctx context.Context) {
	handle := w.Processor.HandleMain
	label := "dispatch"
	if w.Consumer.IsDLQ() {
		handle = w.Processor.HandleDLQ
		label = "dlq"
	}

	slog.Info("[Queue] worker starting", "queue", w.Consumer.QueueURL, "role", label)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Queue] worker stopping", "queue", w.Consumer.QueueURL, "role", label)
			return
		default:
		}

		if err := w.Consumer.Poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("[Queue] poll failed", "queue", w.Consumer.QueueURL, "role", label, "error", err)
		}
	}
}

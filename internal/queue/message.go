// Package queue implements the delayed dispatch queue consumer: SQS
// producer/consumer wiring, the dispatch() wire call against an instance,
// and the retry/backoff/dead-letter state machine that drives deliveries
// from queued through to delivered, failed, or dead.
package queue

import "time"

// DispatchMessage is the wire body of one dispatch queue entry.
// A retry is a shallow copy of the original message with DispatchAttempt
// incremented and EnqueuedAt refreshed — retries are never driven by the
// broker's native redelivery.
type DispatchMessage struct {
	DeliveryID      string    `json:"deliveryId"`
	InstanceID      string    `json:"instanceId"`
	SiteID          string    `json:"siteId"`
	SiteURL         string    `json:"siteUrl"`
	ScheduledFor    time.Time `json:"scheduledFor"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
	DispatchAttempt int       `json:"dispatchAttempt"`
}

// valid reports whether the message carries the minimum fields dispatch()
// needs. An invalid message is ACK'd and dropped, never retried.
func (m DispatchMessage) valid() bool {
	return m.DeliveryID != "" && m.InstanceID != "" && m.SiteID != "" && m.DispatchAttempt >= 1
}

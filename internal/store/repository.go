package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id/site_id finds no row.
var ErrNotFound = errors.New("store: not found")

// UpsertInstanceParams carries the fields a sync call writes.
// SitePubKey/SiteKeyAlg are only honored by the store on first insert — the
// upsert statement never overwrites a pinned key (trust-on-first-use).
// MinuteOfDay is only honored on first insert: once assigned it is never
// updated by a subsequent sync.
type UpsertInstanceParams struct {
	SiteID        string
	SitePubKey    []byte
	SiteKeyAlg    string
	SiteURL       *string
	Status        string
	PendingReason *string
	MinuteOfDay   int
	AppVersion    string
	BuildID       string
	Commit        string
	BuiltAt       *time.Time
	SeenAt        time.Time
}

// Repository is the typed persistence surface the rest of the control plane
// depends on. Every method is a single statement — there is no
// multi-statement transaction anywhere in this interface.
type Repository interface {
	// GetInstanceBySiteID returns ErrNotFound when no instance with that site_id exists.
	GetInstanceBySiteID(ctx context.Context, siteID string) (*Instance, error)

	// GetInstanceByID returns ErrNotFound when no instance with that instance_id exists.
	GetInstanceByID(ctx context.Context, instanceID string) (*Instance, error)

	// UpsertInstance inserts a new instance or updates the mutable fields of
	// an existing one, keyed by site_id. The returned row always reflects
	// the pinned site_pub_key/minute_of_day, regardless of what was submitted.
	UpsertInstance(ctx context.Context, p UpsertInstanceParams) (*Instance, error)

	// InsertBuildEvent records a sync call for idempotence. Returns inserted=false
	// when the (instance_id, idempotency_key) pair already existed — the caller
	// must treat that as success, not failure.
	InsertBuildEvent(ctx context.Context, be BuildEvent) (inserted bool, err error)

	// DisableInstance sets status=disabled, next_run_at=NULL, pending_reason=reason.
	DisableInstance(ctx context.Context, siteID, reason string) (*Instance, error)

	// ListDueInstances returns up to limit eligible instances with next_run_at <= now,
	// ordered by next_run_at ASC.
	ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*Instance, error)

	// AdvanceNextRun sets next_run_at for an instance.
	AdvanceNextRun(ctx context.Context, instanceID string, nextRunAt time.Time) error

	// ReserveMinuteSlot is the atomic conditional upsert backing slot reservation.
	// It inserts the bucket at minuteStart with the given deltas if absent, or increments
	// the existing bucket by the same deltas provided doing so would not exceed maxPerMinute.
	// ok=false means the bucket is full; the caller should try the next minute.
	ReserveMinuteSlot(ctx context.Context, minuteStart time.Time, scheduledInc, retryInc, maxPerMinute int) (load *DispatchMinuteLoad, ok bool, err error)

	// CreateDelivery persists a newly queued delivery.
	CreateDelivery(ctx context.Context, d Delivery) error

	// MarkDeliveryDelivered transitions a delivery to its terminal success state.
	// dedupHit records whether the instance reported the trigger as a repeat.
	MarkDeliveryDelivered(ctx context.Context, deliveryID string, responseStatus int, dedupHit bool, completedAt time.Time) error

	// MarkDeliveryFailed transitions a delivery to the retryable failure state.
	MarkDeliveryFailed(ctx context.Context, deliveryID string, responseStatus *int, errCode, errMsg string) error

	// MarkDeliveryDead transitions a delivery to its terminal dead state.
	MarkDeliveryDead(ctx context.Context, deliveryID string, errCode, errMsg string, completedAt time.Time) error

	// RecordAttempt appends one wire-attempt row. Never mutated afterward.
	RecordAttempt(ctx context.Context, a DeliveryAttempt) error

	// InsertTelemetrySample stores one flat telemetry projection. A repeat for the
	// same delivery_id is a silent no-op (ON CONFLICT DO NOTHING).
	InsertTelemetrySample(ctx context.Context, s TelemetrySample) error

	// UpdateLastSuccess advances last_success_at and last_seen_at for an instance.
	UpdateLastSuccess(ctx context.Context, instanceID string, at time.Time) error

	// PruneTelemetryOlderThan deletes raw telemetry rows older than cutoff, returning the count deleted.
	PruneTelemetryOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneHourlyOlderThan deletes hourly aggregate rows older than cutoff.
	PruneHourlyOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneBuildEventsOlderThan deletes build events older than cutoff.
	PruneBuildEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneMinuteLoadOlderThan deletes dispatch_minute_load rows older than cutoff.
	PruneMinuteLoadOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// RecomputeHourlyAggregates rebuilds telemetry_hourly rows for samples collected
	// at or after since, via a group-by-hour upsert over the raw window.
	RecomputeHourlyAggregates(ctx context.Context, since time.Time) error

	// UpsertSigningKey records the current lifecycle state of a cloud signing key,
	// mirroring what was loaded from configuration. Bookkeeping only — the
	// crypto keyring is the authority for which key material actually signs.
	UpsertSigningKey(ctx context.Context, k CloudSigningKey) error

	// ListSigningKeys returns all known signing keys.
	ListSigningKeys(ctx context.Context) ([]CloudSigningKey, error)
}

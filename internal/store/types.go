package store

import "time"

// Instance status values. See Instance.Eligible for the scheduling eligibility predicate.
const (
	StatusActive     = "active"
	StatusPendingURL = "pending_url"
	StatusDisabled   = "disabled"
)

// Delivery status values.
const (
	DeliveryQueued    = "queued"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryDead      = "dead"
)

// Slot reservation sources.
const (
	SlotSourceScheduled = "scheduled"
	SlotSourceRetry     = "retry"
)

// CloudSigningKey lifecycle states.
const (
	KeyStatusActive  = "active"
	KeyStatusGrace   = "grace"
	KeyStatusRetired = "retired"
)

// Instance is a registered self-hosted site.
//
// minute_of_day is assigned once (uniform random, on first sync) and never
// changes afterward. site_pub_key is pinned on first registration;
// subsequent signature verification uses the stored key, never the
// submitted one (trust-on-first-use).
type Instance struct {
	InstanceID    string
	SiteID        string
	SiteURL       *string
	Status        string
	PendingReason *string
	SitePubKey    []byte
	SiteKeyAlg    string
	MinuteOfDay   int
	NextRunAt     *time.Time
	LastSeenAt    *time.Time
	LastSuccessAt *time.Time
	AppVersion    string
	BuildID       string
	Commit        string
	BuiltAt       *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Eligible reports whether the instance satisfies the scheduler scan predicate:
// status=active AND pending_reason IS NULL AND site_url IS NOT NULL AND next_run_at IS NOT NULL.
func (i *Instance) Eligible() bool {
	return i.Status == StatusActive && i.PendingReason == nil && i.SiteURL != nil && i.NextRunAt != nil
}

// BuildEvent records one sync call for idempotence. (instance_id, idempotency_key) is unique;
// duplicates are silently ignored by the store layer.
type BuildEvent struct {
	ID             int64
	InstanceID     string
	IdempotencyKey string
	AppVersion     string
	BuildID        string
	Commit         string
	BuiltAt        *time.Time
	CreatedAt      time.Time
}

// Delivery is one attempt-series of invoking a single instance at a scheduled time.
type Delivery struct {
	ID             string
	InstanceID     string
	ScheduledFor   time.Time
	EnqueuedAt     time.Time
	Status         string
	AttemptCount   int
	ResponseStatus *int
	Accepted       *bool
	DedupHit       *bool
	LastErrorCode  *string
	LastErrorMsg   *string
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// DeliveryAttempt is one wire attempt within a delivery. Append-only, never mutated.
type DeliveryAttempt struct {
	DeliveryID   string
	AttemptNo    int
	StartedAt    time.Time
	FinishedAt   time.Time
	HTTPStatus   *int
	TimedOut     bool
	ErrorCode    *string
	ErrorMessage *string
}

// DispatchMinuteLoad is the per-minute dispatch quota bucket.
// Invariant: TotalCount = ScheduledCount + RetryCount.
type DispatchMinuteLoad struct {
	MinuteStart    time.Time
	ScheduledCount int
	RetryCount     int
	TotalCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TelemetrySample is a flat projection of one instance trigger response. One row per delivery_id.
type TelemetrySample struct {
	DeliveryID       string
	InstanceID       string
	SchemaVer        string
	Accepted         bool
	DedupHit         bool
	ProtocolVerifyMs *int64
	ProtocolOK       *bool
	CronJobsRun      *int64
	CronJobsFailed   *int64
	DiskFreeBytes    *int64
	AppUptimeSeconds *int64
	CollectedAt      time.Time
	RawJSON          string
	CreatedAt        time.Time
}

// TelemetryHourly is an hourly aggregate rebuilt by maintenance from raw samples.
type TelemetryHourly struct {
	InstanceID        string
	BucketHour        time.Time
	SampleCount       int64
	AvgProtocolVerify *float64
	MaxProtocolVerify *int64
	SumCronJobsRun    *int64
	SumCronJobsFailed *int64
	UpdatedAt         time.Time
}

// CloudSigningKey tracks the lifecycle of a cloud-side Ed25519 signing key.
// The active key issues trigger tokens; grace keys remain published in the JWKS.
type CloudSigningKey struct {
	Kid       string
	Status    string
	Material  string // opaque JWK JSON, mirrors what was loaded from config
	RetireAt  *time.Time
	UpdatedAt time.Time
}

package registration

import "time"

// SyncResponse is the body returned by a successful POST /v1/instances/sync.
type SyncResponse struct {
	InstanceID     string     `json:"instanceId"`
	Status         string     `json:"status"`
	PendingReason  *string    `json:"pendingReason,omitempty"`
	MinuteOfDay    int        `json:"minuteOfDay"`
	NextRunAt      *time.Time `json:"nextRunAt,omitempty"`
	CloudActiveKid string     `json:"cloudActiveKid"`
	SyncedAt       time.Time  `json:"syncedAt"`
}

// StatusResponse is the read-only projection returned by POST /v1/instances/status.
type StatusResponse struct {
	InstanceID    string     `json:"instanceId"`
	SiteID        string     `json:"siteId"`
	Status        string     `json:"status"`
	PendingReason *string    `json:"pendingReason,omitempty"`
	SiteURL       *string    `json:"siteUrl,omitempty"`
	MinuteOfDay   int        `json:"minuteOfDay"`
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
}

// DeregisterResponse confirms a deregistration.
type DeregisterResponse struct {
	InstanceID    string  `json:"instanceId"`
	Status        string  `json:"status"`
	PendingReason *string `json:"pendingReason,omitempty"`
}

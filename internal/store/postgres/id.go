package postgres

import "github.com/google/uuid"

// newInstanceID mints a fresh opaque instance identifier. instance_id is
// server-generated and distinct from the caller-chosen site_id.
func newInstanceID() string {
	return "inst_" + uuid.NewString()
}

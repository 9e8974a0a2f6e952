package postgres

import (
	"fmt"

	"github.com/npcloud/control-plane/internal/store"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanInstanceRow scans one row in instanceColumns order. Compatible with
// both sql.Row and sql.Rows.
func scanInstanceRow(row scanner) (*store.Instance, error) {
	var inst store.Instance
	err := row.Scan(
		&inst.InstanceID,
		&inst.SiteID,
		&inst.SiteURL,
		&inst.Status,
		&inst.PendingReason,
		&inst.SitePubKey,
		&inst.SiteKeyAlg,
		&inst.MinuteOfDay,
		&inst.NextRunAt,
		&inst.LastSeenAt,
		&inst.LastSuccessAt,
		&inst.AppVersion,
		&inst.BuildID,
		&inst.Commit,
		&inst.BuiltAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan instance row: %w", err)
	}
	return &inst, nil
}

func scanMinuteLoadRow(row scanner) (*store.DispatchMinuteLoad, error) {
	var l store.DispatchMinuteLoad
	err := row.Scan(&l.MinuteStart, &l.ScheduledCount, &l.RetryCount, &l.TotalCount, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan minute load row: %w", err)
	}
	return &l, nil
}

func scanSigningKeyRow(row scanner) (*store.CloudSigningKey, error) {
	var k store.CloudSigningKey
	err := row.Scan(&k.Kid, &k.Status, &k.Material, &k.RetireAt, &k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan signing key row: %w", err)
	}
	return &k, nil
}

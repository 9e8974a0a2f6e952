package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/npcloud/control-plane/internal/store"
)

type fakeRepo struct {
	telemetryCutoff  time.Time
	hourlyCutoff     time.Time
	buildEventCutoff time.Time
	minuteLoadCutoff time.Time
	recomputeSince   time.Time

	recomputeErr error
}

func (f *fakeRepo) GetInstanceBySiteID(ctx context.Context, siteID string) (*store.Instance, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeRepo) GetInstanceByID(ctx context.Context, instanceID string) (*store.Instance, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeRepo) UpsertInstance(ctx context.Context, p store.UpsertInstanceParams) (*store.Instance, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeRepo) InsertBuildEvent(ctx context.Context, be store.BuildEvent) (bool, error) {
	return false, fmt.Errorf("not implemented")
}
func (f *fakeRepo) DisableInstance(ctx context.Context, siteID, reason string) (*store.Instance, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeRepo) ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*store.Instance, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeRepo) AdvanceNextRun(ctx context.Context, instanceID string, nextRunAt time.Time) error {
	return fmt.Errorf("not implemented")
}
func (f *fakeRepo) ReserveMinuteSlot(ctx context.Context, minuteStart time.Time, scheduledInc, retryInc, maxPerMinute int) (*store.DispatchMinuteLoad, bool, error) {
	return nil, false, fmt.Errorf("not implemented")
}
func (f *fakeRepo) CreateDelivery(ctx context.Context, d store.Delivery) error {
	return fmt.Errorf("not implemented")
}
func (f *fakeRepo) MarkDeliveryDelivered(ctx context.Context, deliveryID string, responseStatus int, dedupHit bool, completedAt time.Time) error {
	return fmt.Errorf("not implemented")
}
func (f *fakeRepo) MarkDeliveryFailed(ctx context.Context, deliveryID string, responseStatus *int, errCode, errMsg string) error {
	return fmt.Errorf("not implemented")
}
func (f *fakeRepo) MarkDeliveryDead(ctx context.Context, deliveryID string, errCode, errMsg string, completedAt time.Time) error {
	return fmt.Errorf("not implemented")
}
func (f *fakeRepo) RecordAttempt(ctx context.Context, a store.DeliveryAttempt) error {
	return fmt.Errorf("not implemented")
}
func (f *fakeRepo) InsertTelemetrySample(ctx context.Context, s store.TelemetrySample) error {
	return fmt.Errorf("not implemented")
}
func (f *fakeRepo) UpdateLastSuccess(ctx context.Context, instanceID string, at time.Time) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeRepo) PruneTelemetryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.telemetryCutoff = cutoff
	return 3, nil
}
func (f *fakeRepo) PruneHourlyOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.hourlyCutoff = cutoff
	return 2, nil
}
func (f *fakeRepo) PruneBuildEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.buildEventCutoff = cutoff
	return 1, nil
}
func (f *fakeRepo) PruneMinuteLoadOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.minuteLoadCutoff = cutoff
	return 5, nil
}
func (f *fakeRepo) RecomputeHourlyAggregates(ctx context.Context, since time.Time) error {
	f.recomputeSince = since
	return f.recomputeErr
}
func (f *fakeRepo) UpsertSigningKey(ctx context.Context, k store.CloudSigningKey) error { return nil }
func (f *fakeRepo) ListSigningKeys(ctx context.Context) ([]store.CloudSigningKey, error) {
	return nil, nil
}

var _ store.Repository = (*fakeRepo)(nil)

func TestRun_UsesConfiguredRetentionWindows(t *testing.T) {
	repo := &fakeRepo{}
	now := time.Date(2026, 2, 8, 13, 0, 0, 0, time.UTC)
	r := &Runner{
		Repo:                repo,
		TelemetryRetention:  90 * 24 * time.Hour,
		HourlyRetention:     365 * 24 * time.Hour,
		BuildEventRetention: 365 * 24 * time.Hour,
		MinuteLoadRetention: 24 * time.Hour,
	}

	err := r.Run(context.Background(), now)
	require.NoError(t, err)

	require.Equal(t, now.Add(-90*24*time.Hour), repo.telemetryCutoff)
	require.Equal(t, now.Add(-365*24*time.Hour), repo.hourlyCutoff)
	require.Equal(t, now.Add(-365*24*time.Hour), repo.buildEventCutoff)
	require.Equal(t, now.Add(-24*time.Hour), repo.minuteLoadCutoff)
	require.Equal(t, now.Add(-recomputeWindow), repo.recomputeSince)
}

func TestRun_ReportsRecomputeFailureButStillPrunes(t *testing.T) {
	repo := &fakeRepo{recomputeErr: fmt.Errorf("boom")}
	now := time.Date(2026, 2, 8, 13, 0, 0, 0, time.UTC)
	r := &Runner{Repo: repo}

	err := r.Run(context.Background(), now)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.False(t, repo.telemetryCutoff.IsZero(), "prune steps still ran despite the recompute failure")
}

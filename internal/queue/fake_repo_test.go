package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npcloud/control-plane/internal/store"
)

// fakeRepo is an in-memory store.Repository sufficient for dispatcher and
// processor tests. Only the methods this package's tests exercise do
// anything meaningful; the rest fail loudly if ever called.
type fakeRepo struct {
	mu sync.Mutex

	instances  map[string]*store.Instance
	deliveries map[string]*store.Delivery
	attempts   []store.DeliveryAttempt
	telemetry  map[string]store.TelemetrySample
	minuteLoad map[int64]*store.DispatchMinuteLoad
	maxPerMin  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		instances:  make(map[string]*store.Instance),
		deliveries: make(map[string]*store.Delivery),
		telemetry:  make(map[string]store.TelemetrySample),
		minuteLoad: make(map[int64]*store.DispatchMinuteLoad),
		maxPerMin:  1000,
	}
}

func (f *fakeRepo) GetInstanceBySiteID(ctx context.Context, siteID string) (*store.Instance, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeRepo) GetInstanceByID(ctx context.Context, instanceID string) (*store.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
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
	f.mu.Lock()
	defer f.mu.Unlock()
	key := minuteStart.Unix()
	load, ok := f.minuteLoad[key]
	if !ok {
		load = &store.DispatchMinuteLoad{MinuteStart: minuteStart}
		f.minuteLoad[key] = load
	}
	if load.TotalCount+scheduledInc+retryInc > maxPerMinute {
		return nil, false, nil
	}
	load.ScheduledCount += scheduledInc
	load.RetryCount += retryInc
	load.TotalCount += scheduledInc + retryInc
	cp := *load
	return &cp, true, nil
}

func (f *fakeRepo) CreateDelivery(ctx context.Context, d store.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := d
	f.deliveries[d.ID] = &cp
	return nil
}

func (f *fakeRepo) MarkDeliveryDelivered(ctx context.Context, deliveryID string, responseStatus int, dedupHit bool, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveryOrNew(deliveryID)
	d.Status = store.DeliveryDelivered
	d.ResponseStatus = &responseStatus
	accepted := true
	d.Accepted = &accepted
	d.DedupHit = &dedupHit
	d.CompletedAt = &completedAt
	d.AttemptCount++
	return nil
}

func (f *fakeRepo) MarkDeliveryFailed(ctx context.Context, deliveryID string, responseStatus *int, errCode, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveryOrNew(deliveryID)
	d.Status = store.DeliveryFailed
	d.ResponseStatus = responseStatus
	d.LastErrorCode = &errCode
	d.LastErrorMsg = &errMsg
	d.AttemptCount++
	return nil
}

func (f *fakeRepo) MarkDeliveryDead(ctx context.Context, deliveryID string, errCode, errMsg string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveryOrNew(deliveryID)
	d.Status = store.DeliveryDead
	d.LastErrorCode = &errCode
	d.LastErrorMsg = &errMsg
	d.CompletedAt = &completedAt
	return nil
}

// deliveryOrNew must be called with f.mu held.
func (f *fakeRepo) deliveryOrNew(deliveryID string) *store.Delivery {
	d, ok := f.deliveries[deliveryID]
	if !ok {
		d = &store.Delivery{ID: deliveryID}
		f.deliveries[deliveryID] = d
	}
	return d
}

func (f *fakeRepo) RecordAttempt(ctx context.Context, a store.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeRepo) InsertTelemetrySample(ctx context.Context, s store.TelemetrySample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.telemetry[s.DeliveryID]; exists {
		return nil
	}
	f.telemetry[s.DeliveryID] = s
	return nil
}

func (f *fakeRepo) UpdateLastSuccess(ctx context.Context, instanceID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[instanceID]; ok {
		inst.LastSuccessAt = &at
		inst.LastSeenAt = &at
	}
	return nil
}

func (f *fakeRepo) PruneTelemetryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) PruneHourlyOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) PruneBuildEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) PruneMinuteLoadOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) RecomputeHourlyAggregates(ctx context.Context, since time.Time) error {
	return nil
}
func (f *fakeRepo) UpsertSigningKey(ctx context.Context, k store.CloudSigningKey) error {
	return nil
}
func (f *fakeRepo) ListSigningKeys(ctx context.Context) ([]store.CloudSigningKey, error) {
	return nil, nil
}

var _ store.Repository = (*fakeRepo)(nil)

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npcloud/control-plane/internal/queue"
	"github.com/npcloud/control-plane/internal/store"
)

// fakeRepo is a minimal in-memory store.Repository for tick tests: only the
// methods Tick.Run touches do anything.
type fakeRepo struct {
	mu sync.Mutex

	due        []*store.Instance
	deliveries map[string]*store.Delivery
	nextRun    map[string]time.Time
	minuteLoad map[int64]int
	maxPerMin  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		deliveries: make(map[string]*store.Delivery),
		nextRun:    make(map[string]time.Time),
		minuteLoad: make(map[int64]int),
		maxPerMin:  1000,
	}
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
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*store.Instance
	for _, inst := range f.due {
		nr, scheduled := f.nextRun[inst.InstanceID]
		if scheduled && !nr.After(now) {
			out = append(out, inst)
		} else if !scheduled {
			out = append(out, inst)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) AdvanceNextRun(ctx context.Context, instanceID string, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun[instanceID] = nextRunAt
	return nil
}

func (f *fakeRepo) ReserveMinuteSlot(ctx context.Context, minuteStart time.Time, scheduledInc, retryInc, maxPerMinute int) (*store.DispatchMinuteLoad, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := minuteStart.Unix()
	cur := f.minuteLoad[key]
	if cur+scheduledInc+retryInc > maxPerMinute {
		return nil, false, nil
	}
	f.minuteLoad[key] = cur + scheduledInc + retryInc
	return &store.DispatchMinuteLoad{MinuteStart: minuteStart, TotalCount: f.minuteLoad[key]}, true, nil
}

func (f *fakeRepo) CreateDelivery(ctx context.Context, d store.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := d
	f.deliveries[d.ID] = &cp
	return nil
}

func (f *fakeRepo) MarkDeliveryDelivered(ctx context.Context, deliveryID string, responseStatus int, dedupHit bool, completedAt time.Time) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeRepo) MarkDeliveryFailed(ctx context.Context, deliveryID string, responseStatus *int, errCode, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[deliveryID]
	if !ok {
		d = &store.Delivery{ID: deliveryID}
		f.deliveries[deliveryID] = d
	}
	d.Status = store.DeliveryFailed
	d.LastErrorCode = &errCode
	d.LastErrorMsg = &errMsg
	return nil
}

func (f *fakeRepo) MarkDeliveryDead(ctx context.Context, deliveryID string, errCode, errMsg string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[deliveryID]
	if !ok {
		d = &store.Delivery{ID: deliveryID}
		f.deliveries[deliveryID] = d
	}
	d.Status = store.DeliveryDead
	d.LastErrorCode = &errCode
	d.LastErrorMsg = &errMsg
	d.CompletedAt = &completedAt
	return nil
}

func (f *fakeRepo) RecordAttempt(ctx context.Context, a store.DeliveryAttempt) error {
	return nil
}
func (f *fakeRepo) InsertTelemetrySample(ctx context.Context, s store.TelemetrySample) error {
	return nil
}
func (f *fakeRepo) UpdateLastSuccess(ctx context.Context, instanceID string, at time.Time) error {
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

// fakeProducer records everything sent to it; fail makes every Send error.
type fakeProducer struct {
	mu   sync.Mutex
	sent []fakeSend
	fail bool
}

type fakeSend struct {
	msg          queue.DispatchMessage
	delaySeconds int32
}

func (p *fakeProducer) Send(ctx context.Context, msg queue.DispatchMessage, delaySeconds int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("queue send failed")
	}
	p.sent = append(p.sent, fakeSend{msg: msg, delaySeconds: delaySeconds})
	return nil
}

package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/npcloud/control-plane/internal/crypto"
	"github.com/npcloud/control-plane/internal/httpapi"
	"github.com/npcloud/control-plane/internal/store"
	"github.com/npcloud/control-plane/internal/telemetry"
)

// Outcome is the result a dispatch attempt reports to the consumer's retry logic.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeDrop
)

// breakerFailThreshold is the run of consecutive transport-classified
// failures (REQUEST_TIMEOUT/REQUEST_FAILED) for one instance that opens its
// circuit. An open circuit short-circuits the wire call only; the
// retry/backoff state machine still runs unchanged.
const breakerFailThreshold = 5

// breakerCooldown is how long an open circuit stays open before probing again.
const breakerCooldown = 30 * time.Second

// Dispatcher performs the single wire call of one delivery attempt and
// translates its outcome into delivery/attempt state.
type Dispatcher struct {
	Repo       store.Repository
	Ring       *crypto.KeyRing
	HTTPClient *http.Client

	InstanceTriggerPath string
	RequestTimeout      time.Duration
	RawMaxBytes         int

	Now func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// breakerFor returns the lazily-created per-instance circuit breaker
// guarding the outbound trigger call. State lives only for this worker's
// lifetime — it is pure instrumentation, never persisted.
func (d *Dispatcher) breakerFor(instanceID string) *gobreaker.CircuitBreaker[struct{}] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.breakers == nil {
		d.breakers = make(map[string]*gobreaker.CircuitBreaker[struct{}])
	}
	if cb, ok := d.breakers[instanceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "dispatch:" + instanceID,
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("[Queue] circuit breaker state change", "instance_id", instanceID, "from", from, "to", to)
		},
	})
	d.breakers[instanceID] = cb
	return cb
}

// Dispatch performs one wire attempt for msg and drives the delivery state
// machine. attemptNo is the attempt number being recorded, matching
// msg.DispatchAttempt.
func (d *Dispatcher) Dispatch(ctx context.Context, msg DispatchMessage, attemptNo int) Outcome {
	now := d.now()

	inst, err := d.Repo.GetInstanceByID(ctx, msg.InstanceID)
	if err != nil || inst.Status != store.StatusActive || inst.SiteURL == nil {
		d.recordAttempt(ctx, msg.DeliveryID, attemptNo, now, now, nil, false, httpapi.ErrInstanceNotActive, "instance not active or missing site_url")
		d.markDead(ctx, msg.DeliveryID, httpapi.ErrInstanceNotActive, "instance not active or missing site_url", now)
		return OutcomeDrop
	}

	jti := uuid.NewString()
	token, err := d.Ring.MintTriggerToken(msg.SiteID, msg.DeliveryID, jti, now)
	if err != nil {
		finished := d.now()
		d.recordAttempt(ctx, msg.DeliveryID, attemptNo, now, finished, nil, false, httpapi.ErrTokenSignFailed, err.Error())
		d.markFailed(ctx, msg.DeliveryID, nil, httpapi.ErrTokenSignFailed, err.Error())
		return OutcomeRetry
	}

	url := joinURL(*inst.SiteURL, d.InstanceTriggerPath)
	reqBody := []byte(fmt.Sprintf(
		`{"deliveryId":%q,"siteId":%q,"triggerType":"CLOUD","requestedAt":%q}`,
		msg.DeliveryID, msg.SiteID, now.UTC().Format(time.RFC3339),
	))

	var httpStatus int
	var respBody []byte
	var timedOut bool
	var callErr error

	cb := d.breakerFor(msg.InstanceID)
	_, breakerErr := cb.Execute(func() (struct{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, d.RequestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			callErr = err
			return struct{}{}, err
		}
		req.Header.Set("authorization", "Bearer "+token)
		req.Header.Set("content-type", "application/json")
		req.Header.Set("x-np-delivery-id", msg.DeliveryID)
		req.Header.Set("x-np-site-id", msg.SiteID)

		resp, err := d.HTTPClient.Do(req)
		if err != nil {
			if reqCtx.Err() == context.DeadlineExceeded {
				timedOut = true
			}
			callErr = err
			return struct{}{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		httpStatus = resp.StatusCode
		respBody, _ = io.ReadAll(resp.Body)
		return struct{}{}, nil
	})
	finished := d.now()

	if errors.Is(breakerErr, gobreaker.ErrOpenState) || errors.Is(breakerErr, gobreaker.ErrTooManyRequests) {
		d.recordAttempt(ctx, msg.DeliveryID, attemptNo, now, finished, nil, false, httpapi.ErrRequestFailed, "circuit open for instance, call skipped")
		d.markFailed(ctx, msg.DeliveryID, nil, httpapi.ErrRequestFailed, "circuit open for instance, call skipped")
		return OutcomeRetry
	}

	if callErr != nil {
		errCode := httpapi.ErrRequestFailed
		if timedOut {
			errCode = httpapi.ErrRequestTimeout
		}
		d.recordAttempt(ctx, msg.DeliveryID, attemptNo, now, finished, nil, timedOut, errCode, callErr.Error())
		d.markFailed(ctx, msg.DeliveryID, nil, errCode, callErr.Error())
		return OutcomeRetry
	}

	sample := telemetry.Parse(respBody, msg.DeliveryID, msg.InstanceID, finished, d.RawMaxBytes)
	accepted := httpStatus >= 200 && httpStatus < 300 && sample.Accepted

	if accepted {
		d.recordAttempt(ctx, msg.DeliveryID, attemptNo, now, finished, &httpStatus, false, "", "")
		if err := d.Repo.MarkDeliveryDelivered(ctx, msg.DeliveryID, httpStatus, sample.DedupHit, finished); err != nil {
			slog.Error("[Queue] mark delivered failed", "delivery_id", msg.DeliveryID, "error", err)
		}
		if err := d.Repo.InsertTelemetrySample(ctx, *sample); err != nil {
			slog.Error("[Queue] telemetry insert failed", "delivery_id", msg.DeliveryID, "error", err)
		}
		if err := d.Repo.UpdateLastSuccess(ctx, msg.InstanceID, finished); err != nil {
			slog.Error("[Queue] update last_success_at failed", "instance_id", msg.InstanceID, "error", err)
		}
		return OutcomeSuccess
	}

	errMsg := fmt.Sprintf("HTTP %d, accepted=%v", httpStatus, sample.Accepted)
	d.recordAttempt(ctx, msg.DeliveryID, attemptNo, now, finished, &httpStatus, false, httpapi.ErrUnacceptedResponse, errMsg)
	d.markFailed(ctx, msg.DeliveryID, &httpStatus, httpapi.ErrUnacceptedResponse, errMsg)
	return OutcomeRetry
}

func (d *Dispatcher) recordAttempt(ctx context.Context, deliveryID string, attemptNo int, started, finished time.Time, httpStatus *int, timedOut bool, errCode, errMsg string) {
	var codePtr, msgPtr *string
	if errCode != "" {
		codePtr = &errCode
	}
	if errMsg != "" {
		m := truncate(errMsg, 500)
		msgPtr = &m
	}
	if err := d.Repo.RecordAttempt(ctx, store.DeliveryAttempt{
		DeliveryID:   deliveryID,
		AttemptNo:    attemptNo,
		StartedAt:    started,
		FinishedAt:   finished,
		HTTPStatus:   httpStatus,
		TimedOut:     timedOut,
		ErrorCode:    codePtr,
		ErrorMessage: msgPtr,
	}); err != nil {
		slog.Error("[Queue] record attempt failed", "delivery_id", deliveryID, "attempt", attemptNo, "error", err)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, deliveryID string, httpStatus *int, errCode, errMsg string) {
	if err := d.Repo.MarkDeliveryFailed(ctx, deliveryID, httpStatus, errCode, truncate(errMsg, 500)); err != nil {
		slog.Error("[Queue] mark delivery failed", "delivery_id", deliveryID, "error", err)
	}
}

func (d *Dispatcher) markDead(ctx context.Context, deliveryID, errCode, errMsg string, at time.Time) {
	if err := d.Repo.MarkDeliveryDead(ctx, deliveryID, errCode, truncate(errMsg, 500), at); err != nil {
		slog.Error("[Queue] mark delivery dead", "delivery_id", deliveryID, "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// joinURL appends path to origin, which registration.NormalizeSiteURL already
// reduced to a bare "<scheme>://<host>" with no trailing slash.
func joinURL(origin, path string) string {
	return strings.TrimRight(origin, "/") + "/" + strings.TrimLeft(path, "/")
}

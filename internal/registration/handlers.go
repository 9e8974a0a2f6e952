// Package registration implements the three instance-facing HTTP endpoints
// that write and read Instance state: sync, deregister, status. Every
// request is gated by freshness-then-signature before anything is written;
// the only storage access before verification is the lookup of the pinned key.
package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/npcloud/control-plane/internal/crypto"
	"github.com/npcloud/control-plane/internal/httpapi"
	"github.com/npcloud/control-plane/internal/store"
)

const minutesPerDay = 24 * 60

// Handler serves the registration API. It is stateless beyond its
// dependencies and safe for concurrent use across gin workers.
type Handler struct {
	Repo            store.Repository
	Ring            *crypto.KeyRing
	SignatureWindow time.Duration
	Now             func() time.Time
}

// NewHandler builds a Handler with a real wall clock.
func NewHandler(repo store.Repository, ring *crypto.KeyRing, signatureWindow time.Duration) *Handler {
	return &Handler{Repo: repo, Ring: ring, SignatureWindow: signatureWindow, Now: time.Now}
}

// RegisterRoutes attaches the three instance endpoints to r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/v1/instances")
	g.POST("/sync", h.Sync)
	g.POST("/deregister", h.Deregister)
	g.POST("/status", h.Status)
}

// verifiedRequest is the outcome of the freshness+signature gate shared by
// all three handlers.
type verifiedRequest struct {
	body   map[string]interface{}
	siteID string
}

// gateRequest parses the body, checks signature freshness, and verifies the
// detached signature against keyMaterial. requireExisting controls whether a
// missing instance is a 404 INSTANCE_NOT_FOUND (deregister/status) or simply
// means "use the body's own key" (sync, first registration).
func (h *Handler) gateRequest(c *gin.Context, requireExisting bool) (*verifiedRequest, *store.Instance, bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.fail(c, http.StatusBadRequest, httpapi.ErrBadRequest, "could not read request body")
		return nil, nil, false
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		h.fail(c, http.StatusBadRequest, httpapi.ErrBadRequest, "malformed JSON body")
		return nil, nil, false
	}

	siteID, _ := body["siteId"].(string)
	if siteID == "" {
		h.fail(c, http.StatusBadRequest, httpapi.ErrBadRequest, "siteId is required")
		return nil, nil, false
	}

	sig, err := parseSignature(body["signature"])
	if err != nil {
		h.fail(c, http.StatusBadRequest, httpapi.ErrBadRequest, fmt.Sprintf("invalid signature envelope: %v", err))
		return nil, nil, false
	}

	now := h.now()
	if err := crypto.CheckFreshness(sig.Ts, now, h.SignatureWindow); err != nil {
		h.fail(c, http.StatusUnauthorized, httpapi.ErrSignatureTimestampExpired, err.Error())
		return nil, nil, false
	}

	existing, err := h.Repo.GetInstanceBySiteID(c.Request.Context(), siteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.fail(c, http.StatusInternalServerError, httpapi.ErrInternal, "lookup failed")
		return nil, nil, false
	}
	if errors.Is(err, store.ErrNotFound) {
		existing = nil
	}

	if existing == nil && requireExisting {
		h.fail(c, http.StatusNotFound, httpapi.ErrInstanceNotFound, "no instance registered for siteId")
		return nil, nil, false
	}

	material, alg, ok := resolveKeyMaterial(existing, body)
	if !ok {
		h.fail(c, http.StatusBadRequest, httpapi.ErrBadRequest, "no site public key available for verification")
		return nil, nil, false
	}
	_ = alg // alg is recorded on upsert, not needed to select a verifier: key shape is self-describing

	bodyHash, err := crypto.CanonicalHashWithout(body, "signature")
	if err != nil {
		h.fail(c, http.StatusInternalServerError, httpapi.ErrInternal, "hash failure")
		return nil, nil, false
	}
	message := crypto.BuildMessage(c.Request.Method, c.Request.URL.Path, bodyHash, sig.Ts, sig.Nonce)

	sigBytes, err := crypto.DecodeSignatureBytes(sig.Sig)
	if err != nil {
		h.fail(c, http.StatusUnauthorized, httpapi.ErrInvalidSignature, "malformed signature encoding")
		return nil, nil, false
	}

	valid, err := crypto.VerifyDetached(material, []byte(message), sigBytes)
	if err != nil || !valid {
		h.fail(c, http.StatusUnauthorized, httpapi.ErrInvalidSignature, "signature verification failed")
		return nil, nil, false
	}

	return &verifiedRequest{body: body, siteID: siteID}, existing, true
}

// resolveKeyMaterial implements trust-on-first-use: an already-registered
// instance is verified against its pinned key, never the one resubmitted in
// this request.
func resolveKeyMaterial(existing *store.Instance, body map[string]interface{}) (material, alg string, ok bool) {
	if existing != nil && len(existing.SitePubKey) > 0 {
		return string(existing.SitePubKey), existing.SiteKeyAlg, true
	}
	m, _ := body["sitePubKey"].(string)
	a, _ := body["siteKeyAlg"].(string)
	if m == "" {
		return "", "", false
	}
	return m, a, true
}

func parseSignature(raw interface{}) (*crypto.Signature, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("signature must be an object")
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var sig crypto.Signature
	if err := json.Unmarshal(encoded, &sig); err != nil {
		return nil, err
	}
	if sig.Alg != "EdDSA" {
		return nil, fmt.Errorf("unsupported signature alg %q", sig.Alg)
	}
	if len(sig.Nonce) < 8 {
		return nil, fmt.Errorf("nonce too short")
	}
	if len(sig.Sig) < 16 {
		return nil, fmt.Errorf("sig too short")
	}
	return &sig, nil
}

// Sync handles POST /v1/instances/sync.
func (h *Handler) Sync(c *gin.Context) {
	verified, existing, ok := h.gateRequest(c, false)
	if !ok {
		return
	}
	body := verified.body

	// minute_of_day is assigned by the server only; a client-chosen value is
	// refused rather than silently dropped.
	if _, has := body["minuteOfDay"]; has {
		h.fail(c, http.StatusBadRequest, httpapi.ErrBadRequest, "minuteOfDay is not accepted on sync")
		return
	}

	siteURLRaw, _ := body["siteUrl"].(string)
	normalizedURL, pendingReason := NormalizeSiteURL(siteURLRaw)

	minuteOfDay := 0
	switch {
	case existing != nil:
		minuteOfDay = existing.MinuteOfDay
	default:
		minuteOfDay = rand.IntN(minutesPerDay)
	}

	var sitePubKey []byte
	var siteKeyAlg string
	if existing == nil {
		m, _ := body["sitePubKey"].(string)
		a, _ := body["siteKeyAlg"].(string)
		sitePubKey = []byte(m)
		siteKeyAlg = a
	}

	status := store.StatusActive
	var pendingPtr *string
	if pendingReason != "" {
		status = store.StatusPendingURL
		pendingPtr = &pendingReason
	}

	var urlPtr *string
	if normalizedURL != "" {
		urlPtr = &normalizedURL
	}

	now := h.now()
	appVersion, _ := body["appVersion"].(string)
	buildID, _ := body["buildId"].(string)
	commit, _ := body["commit"].(string)
	builtAt := parseOptionalTime(body["builtAt"])

	inst, err := h.Repo.UpsertInstance(c.Request.Context(), store.UpsertInstanceParams{
		SiteID:        verified.siteID,
		SitePubKey:    sitePubKey,
		SiteKeyAlg:    siteKeyAlg,
		SiteURL:       urlPtr,
		Status:        status,
		PendingReason: pendingPtr,
		MinuteOfDay:   minuteOfDay,
		AppVersion:    appVersion,
		BuildID:       buildID,
		Commit:        commit,
		BuiltAt:       builtAt,
		SeenAt:        now,
	})
	if err != nil {
		slog.Error("[Registration] sync upsert failed", "site_id", verified.siteID, "error", err)
		h.fail(c, http.StatusInternalServerError, httpapi.ErrInternal, "upsert failed")
		return
	}

	if inst.Status == store.StatusActive && inst.NextRunAt == nil {
		nextRun := ComputeNextRunAt(inst.MinuteOfDay, now)
		if err := h.Repo.AdvanceNextRun(c.Request.Context(), inst.InstanceID, nextRun); err != nil {
			slog.Error("[Registration] failed to seed next_run_at", "instance_id", inst.InstanceID, "error", err)
		} else {
			inst.NextRunAt = &nextRun
		}
	}

	idempotencyKey, _ := body["idempotencyKey"].(string)
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("%s:%s:%s", verified.siteID, orDefault(buildID, "no-build-id"), builtAtString(builtAt))
	}
	if _, err := h.Repo.InsertBuildEvent(c.Request.Context(), store.BuildEvent{
		InstanceID:     inst.InstanceID,
		IdempotencyKey: idempotencyKey,
		AppVersion:     appVersion,
		BuildID:        buildID,
		Commit:         commit,
		BuiltAt:        builtAt,
	}); err != nil {
		slog.Error("[Registration] build event insert failed", "instance_id", inst.InstanceID, "error", err)
	}

	c.JSON(http.StatusOK, httpapi.OK(SyncResponse{
		InstanceID:     inst.InstanceID,
		Status:         inst.Status,
		PendingReason:  inst.PendingReason,
		MinuteOfDay:    inst.MinuteOfDay,
		NextRunAt:      inst.NextRunAt,
		CloudActiveKid: h.Ring.ActiveKid(),
		SyncedAt:       now,
	}))
}

// Deregister handles POST /v1/instances/deregister.
func (h *Handler) Deregister(c *gin.Context) {
	verified, _, ok := h.gateRequest(c, true)
	if !ok {
		return
	}

	reason, _ := verified.body["reason"].(string)
	if reason == "" {
		reason = "deregistered"
	}

	inst, err := h.Repo.DisableInstance(c.Request.Context(), verified.siteID, reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.fail(c, http.StatusNotFound, httpapi.ErrInstanceNotFound, "instance not found")
			return
		}
		h.fail(c, http.StatusInternalServerError, httpapi.ErrInternal, "deregister failed")
		return
	}

	c.JSON(http.StatusOK, httpapi.OK(DeregisterResponse{
		InstanceID:    inst.InstanceID,
		Status:        inst.Status,
		PendingReason: inst.PendingReason,
	}))
}

// Status handles POST /v1/instances/status.
func (h *Handler) Status(c *gin.Context) {
	_, existing, ok := h.gateRequest(c, true)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, httpapi.OK(StatusResponse{
		InstanceID:    existing.InstanceID,
		SiteID:        existing.SiteID,
		Status:        existing.Status,
		PendingReason: existing.PendingReason,
		SiteURL:       existing.SiteURL,
		MinuteOfDay:   existing.MinuteOfDay,
		NextRunAt:     existing.NextRunAt,
		LastSeenAt:    existing.LastSeenAt,
		LastSuccessAt: existing.LastSuccessAt,
	}))
}

func (h *Handler) fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, httpapi.Fail(code, message))
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func builtAtString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func parseOptionalTime(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

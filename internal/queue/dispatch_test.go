package queue

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/npcloud/control-plane/internal/crypto"
	"github.com/npcloud/control-plane/internal/store"
)

func testRing(t *testing.T) *crypto.KeyRing {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ring, err := crypto.NewKeyRing("np-cloud", "np-instance", []*crypto.CryptoKey{{Kid: "k1", Private: priv}}, "k1")
	require.NoError(t, err)
	return ring
}

func seedActiveInstance(f *fakeRepo, instanceID, siteID, siteURL string) {
	url := siteURL
	f.instances[instanceID] = &store.Instance{
		InstanceID: instanceID,
		SiteID:     siteID,
		SiteURL:    &url,
		Status:     store.StatusActive,
	}
}

func newDispatcher(repo *fakeRepo, ring *crypto.KeyRing) *Dispatcher {
	return &Dispatcher{
		Repo:                repo,
		Ring:                ring,
		HTTPClient:          http.DefaultClient,
		InstanceTriggerPath: "/api/internal/cron/cloud-trigger",
		RequestTimeout:      2 * time.Second,
		RawMaxBytes:         4096,
		Now:                 func() time.Time { return time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC) },
	}
}

func TestDispatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/internal/cron/cloud-trigger", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"protocolVerification":{"accepted":true,"verifyMs":12}}}`))
	}))
	defer srv.Close()

	repo := newFakeRepo()
	seedActiveInstance(repo, "inst_1", "site-1", srv.URL)
	d := newDispatcher(repo, testRing(t))

	msg := DispatchMessage{DeliveryID: "dlv_1", InstanceID: "inst_1", SiteID: "site-1", SiteURL: srv.URL, DispatchAttempt: 1}
	outcome := d.Dispatch(context.Background(), msg, 1)

	require.Equal(t, OutcomeSuccess, outcome)
	require.Equal(t, store.DeliveryDelivered, repo.deliveries["dlv_1"].Status)
	require.NotNil(t, repo.deliveries["dlv_1"].CompletedAt)
	require.Contains(t, repo.telemetry, "dlv_1")
	require.Len(t, repo.attempts, 1)
	require.Nil(t, repo.attempts[0].ErrorCode)
}

func TestDispatch_UnacceptedResponseRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"protocolVerification":{"accepted":false}}}`))
	}))
	defer srv.Close()

	repo := newFakeRepo()
	seedActiveInstance(repo, "inst_1", "site-1", srv.URL)
	d := newDispatcher(repo, testRing(t))

	msg := DispatchMessage{DeliveryID: "dlv_1", InstanceID: "inst_1", SiteID: "site-1", DispatchAttempt: 1}
	outcome := d.Dispatch(context.Background(), msg, 1)

	require.Equal(t, OutcomeRetry, outcome)
	require.Equal(t, store.DeliveryFailed, repo.deliveries["dlv_1"].Status)
	require.Equal(t, "UNACCEPTED_RESPONSE", *repo.deliveries["dlv_1"].LastErrorCode)
}

func TestDispatch_InstanceNotActiveDrops(t *testing.T) {
	repo := newFakeRepo()
	url := "https://site.test"
	repo.instances["inst_1"] = &store.Instance{InstanceID: "inst_1", SiteID: "site-1", SiteURL: &url, Status: store.StatusDisabled}
	d := newDispatcher(repo, testRing(t))

	msg := DispatchMessage{DeliveryID: "dlv_1", InstanceID: "inst_1", SiteID: "site-1", DispatchAttempt: 1}
	outcome := d.Dispatch(context.Background(), msg, 1)

	require.Equal(t, OutcomeDrop, outcome)
	require.Equal(t, store.DeliveryDead, repo.deliveries["dlv_1"].Status)
	require.Equal(t, "INSTANCE_NOT_ACTIVE", *repo.deliveries["dlv_1"].LastErrorCode)
}

func TestDispatch_TimeoutClassifiesAsRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newFakeRepo()
	seedActiveInstance(repo, "inst_1", "site-1", srv.URL)
	d := newDispatcher(repo, testRing(t))
	d.RequestTimeout = 5 * time.Millisecond

	msg := DispatchMessage{DeliveryID: "dlv_1", InstanceID: "inst_1", SiteID: "site-1", DispatchAttempt: 1}
	outcome := d.Dispatch(context.Background(), msg, 1)

	require.Equal(t, OutcomeRetry, outcome)
	require.Equal(t, "REQUEST_TIMEOUT", *repo.deliveries["dlv_1"].LastErrorCode)
	require.True(t, repo.attempts[0].TimedOut)
}

func TestJoinURL(t *testing.T) {
	require.Equal(t, "https://site.test/api/x", joinURL("https://site.test", "/api/x"))
	require.Equal(t, "https://site.test/api/x", joinURL("https://site.test/", "api/x"))
}

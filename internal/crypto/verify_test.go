package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifyDetached_BareBase64Key(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte(BuildMessage("POST", "/v1/instances/sync", "somehash", 1700000000000, "abcdefgh"))
	sig := ed25519.Sign(priv, msg)

	material := base64.StdEncoding.EncodeToString(pub)
	ok, err := VerifyDetached(material, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyDetached_RejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("message")
	sig := ed25519.Sign(priv, msg)

	material := base64.StdEncoding.EncodeToString(otherPub)
	ok, err := VerifyDetached(material, msg, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyDetached_PEMKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	material := string(pem.EncodeToMemory(block))

	msg := []byte("message")
	sig := ed25519.Sign(priv, msg)

	ok, err := VerifyDetached(material, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyDetached_DNSTXTKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	material := "v=1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub)
	msg := []byte("message")
	sig := ed25519.Sign(priv, msg)

	ok, err := VerifyDetached(material, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyDetached_MalformedKeyFailsClosed(t *testing.T) {
	_, err := ParsePublicKey("not a valid key at all!!")
	require.Error(t, err)
}

func TestCheckFreshness(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	require.NoError(t, CheckFreshness(now.UnixMilli(), now, window))
	require.NoError(t, CheckFreshness(now.Add(-4*time.Minute).UnixMilli(), now, window))

	// Exactly at the window boundary accepts; one millisecond beyond rejects.
	require.NoError(t, CheckFreshness(now.Add(-window).UnixMilli(), now, window))
	require.Error(t, CheckFreshness(now.Add(-window-time.Millisecond).UnixMilli(), now, window))

	err := CheckFreshness(now.Add(-10*time.Minute).UnixMilli(), now, window)
	require.Error(t, err)
	var fe *FreshnessError
	require.ErrorAs(t, err, &fe)
}

func TestBuildMessage(t *testing.T) {
	got := BuildMessage("post", "/v1/instances/sync", "hash123", 42, "nonceval")
	want := "NP-CLOUD-SIGN-V1\nPOST\n/v1/instances/sync\nhash123\n42\nnonceval"
	require.Equal(t, want, got)
}

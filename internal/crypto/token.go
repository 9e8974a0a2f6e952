package crypto

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// triggerTTL and nbfSkew follow the cloud->instance token claims fixed by
// the protocol: nbf=now-5s, exp=now+60s.
const (
	triggerTTL = 60 * time.Second
	nbfSkew    = 5 * time.Second
)

// TriggerClaims are the JWT claims minted for one instance trigger call.
type TriggerClaims struct {
	jwt.RegisteredClaims
	DeliveryID string `json:"deliveryId"`
	SiteID     string `json:"siteId"`
}

// CryptoKey is one entry in the cloud's private signing key ring, keyed by
// kid. It is pure function of configuration and is cached for reuse within a
// worker's lifetime.
type CryptoKey struct {
	Kid     string
	Private ed25519.PrivateKey
}

// KeyRing holds the cloud's signing keys and mints trigger tokens with the
// configured active key.
type KeyRing struct {
	Issuer   string
	Audience string

	keys      map[string]*CryptoKey
	activeKid string
}

// NewKeyRing builds a ring from parsed keys and the configured active kid.
// If activeKid is empty, the first key (in the order supplied) is active.
func NewKeyRing(issuer, audience string, keys []*CryptoKey, activeKid string) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring: no signing keys configured")
	}
	byKid := make(map[string]*CryptoKey, len(keys))
	for _, k := range keys {
		byKid[k.Kid] = k
	}
	if activeKid == "" {
		activeKid = keys[0].Kid
	}
	if _, ok := byKid[activeKid]; !ok {
		return nil, fmt.Errorf("keyring: active kid %q not present in key set", activeKid)
	}
	return &KeyRing{Issuer: issuer, Audience: audience, keys: byKid, activeKid: activeKid}, nil
}

// ActiveKid reports the kid currently used to sign outbound trigger tokens.
func (r *KeyRing) ActiveKid() string { return r.activeKid }

// Key looks up a cached CryptoKey by kid.
func (r *KeyRing) Key(kid string) (*CryptoKey, bool) {
	k, ok := r.keys[kid]
	return k, ok
}

// MintTriggerToken signs a fresh short-lived EdDSA JWT authorizing one
// instance trigger call, using the active signing key.
func (r *KeyRing) MintTriggerToken(siteID, deliveryID, jti string, now time.Time) (string, error) {
	key, ok := r.keys[r.activeKid]
	if !ok {
		return "", fmt.Errorf("keyring: active kid %q missing", r.activeKid)
	}

	claims := TriggerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.Issuer,
			Audience:  jwt.ClaimStrings{r.Audience},
			Subject:   siteID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-nbfSkew)),
			ExpiresAt: jwt.NewNumericDate(now.Add(triggerTTL)),
		},
		DeliveryID: deliveryID,
		SiteID:     siteID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.Kid

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("sign trigger token: %w", err)
	}
	return signed, nil
}

package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// jwk is the subset of JSON Web Key fields this service round-trips. Private
// keys (d) are present only in CLOUD_PRIVATE_KEYS_JSON, never in the
// published JWKS.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
}

// ValidateJWKSDocument confirms raw is structurally a JWKS ({"keys": [...]})
// before it is ever published. It does not require the keys to be parseable
// Ed25519 material — a relying party may publish legacy or unrelated keys
// alongside this service's own.
func ValidateJWKSDocument(raw []byte) error {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("jwks: %w", err)
	}
	if doc.Keys == nil {
		return fmt.Errorf("jwks: missing \"keys\" array")
	}
	for i, k := range doc.Keys {
		var one jwk
		if err := json.Unmarshal(k, &one); err != nil {
			return fmt.Errorf("jwks: key %d: %w", i, err)
		}
		if one.Kid == "" {
			return fmt.Errorf("jwks: key %d missing kid", i)
		}
	}
	return nil
}

// JWKSEntry is one public key from the published JWKS document: its kid and
// the raw JWK JSON exactly as it will be re-served.
type JWKSEntry struct {
	Kid string
	Raw json.RawMessage
}

// ParseJWKSEntries returns every key in a JWKS document. The document should
// already have passed ValidateJWKSDocument.
func ParseJWKSEntries(raw []byte) ([]JWKSEntry, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	out := make([]JWKSEntry, 0, len(doc.Keys))
	for i, k := range doc.Keys {
		var one jwk
		if err := json.Unmarshal(k, &one); err != nil {
			return nil, fmt.Errorf("jwks: key %d: %w", i, err)
		}
		out = append(out, JWKSEntry{Kid: one.Kid, Raw: k})
	}
	return out, nil
}

// LoadPrivateKeyRing parses CLOUD_PRIVATE_KEYS_JSON, which may be either
// {"keys": [JWK...]} or a bare map of kid -> JWK.
func LoadPrivateKeyRing(raw []byte) ([]*CryptoKey, error) {
	var withKeysArray struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(raw, &withKeysArray); err == nil && len(withKeysArray.Keys) > 0 {
		return keysFromJWKs(withKeysArray.Keys)
	}

	var byKid map[string]jwk
	if err := json.Unmarshal(raw, &byKid); err != nil {
		return nil, fmt.Errorf("parse private key ring: %w", err)
	}
	keys := make([]jwk, 0, len(byKid))
	for kid, k := range byKid {
		if k.Kid == "" {
			k.Kid = kid
		}
		keys = append(keys, k)
	}
	return keysFromJWKs(keys)
}

func keysFromJWKs(jwks []jwk) ([]*CryptoKey, error) {
	out := make([]*CryptoKey, 0, len(jwks))
	for _, k := range jwks {
		if k.Kty != "" && k.Kty != "OKP" {
			return nil, fmt.Errorf("key %q: unsupported kty %q", k.Kid, k.Kty)
		}
		if k.Crv != "" && k.Crv != "Ed25519" {
			return nil, fmt.Errorf("key %q: unsupported crv %q", k.Kid, k.Crv)
		}
		if k.D == "" {
			return nil, fmt.Errorf("key %q: missing private component \"d\"", k.Kid)
		}
		seed, err := base64.RawURLEncoding.DecodeString(k.D)
		if err != nil {
			return nil, fmt.Errorf("key %q: decode d: %w", k.Kid, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key %q: seed has wrong length %d", k.Kid, len(seed))
		}
		out = append(out, &CryptoKey{
			Kid:     k.Kid,
			Private: ed25519.NewKeyFromSeed(seed),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("private key ring is empty")
	}
	return out, nil
}

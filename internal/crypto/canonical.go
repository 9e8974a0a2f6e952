// Package crypto implements the two trust boundaries of the control plane:
// verifying detached Ed25519 signatures on inbound instance requests, and
// minting the short-lived EdDSA trigger tokens the cloud hands back on
// dispatch.
package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// CanonicalHash serializes v to JSON with object keys sorted lexicographically
// at every nesting level, preserving array order, then returns the SHA-256 of
// that serialization as unpadded base64url. Two payloads that are
// semantically equal but differ in key order or insignificant whitespace
// hash identically.
func CanonicalHash(v interface{}) (string, error) {
	norm, err := normalize(v)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// normalize round-trips v through a map/slice tree and returns it sorted by
// key at every level. json.Marshal on Go maps already sorts string keys, so
// the only work here is making sure nested values are plain
// map[string]interface{}/[]interface{}/scalars rather than a struct whose
// field order json would otherwise preserve.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical normalize: %w", err)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return generic, nil
}

// CanonicalHashWithout hashes v after removing the named top-level field —
// used to hash a signed payload "less the signature field".
func CanonicalHashWithout(v map[string]interface{}, omit string) (string, error) {
	stripped := make(map[string]interface{}, len(v))
	for k, val := range v {
		if k == omit {
			continue
		}
		stripped[k] = val
	}
	return CanonicalHash(stripped)
}

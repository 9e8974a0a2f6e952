package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// signMessagePrefix is the fixed domain tag prepended to every verified
// message, preventing a signature produced for one protocol from being
// replayed against another that happens to hash the same body.
const signMessagePrefix = "NP-CLOUD-SIGN-V1"

// Signature is the detached signature envelope carried on every signed
// instance request.
type Signature struct {
	Alg   string  `json:"alg"`
	Ts    int64   `json:"ts"`
	Nonce string  `json:"nonce"`
	Sig   string  `json:"sig"`
	Kid   *string `json:"kid,omitempty"`
}

// FreshnessError reports that a signature's timestamp fell outside the
// accepted window.
type FreshnessError struct {
	SkewMs int64
}

func (e *FreshnessError) Error() string {
	return fmt.Sprintf("signature timestamp expired: skew %dms", e.SkewMs)
}

// CheckFreshness reports whether ts is within window of now.
func CheckFreshness(ts int64, now time.Time, window time.Duration) error {
	skew := now.UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > window.Milliseconds() {
		return &FreshnessError{SkewMs: skew}
	}
	return nil
}

// BuildMessage reconstructs the newline-joined message a detached signature
// was computed over: "NP-CLOUD-SIGN-V1" | METHOD | PATH | bodyHash | ts | nonce.
func BuildMessage(method, path, bodyHash string, ts int64, nonce string) string {
	return strings.Join([]string{
		signMessagePrefix,
		strings.ToUpper(method),
		path,
		bodyHash,
		fmt.Sprintf("%d", ts),
		nonce,
	}, "\n")
}

// VerifyDetached checks sig against message using keyMaterial, which may be
// supplied in any of the three accepted shapes: PEM SPKI, bare
// base64/base64url (32 raw bytes, or SPKI otherwise), or DNS-TXT style
// "v=...; k=ed25519; p=<base64>". Any parse failure is a verification
// failure — this function never panics and never returns a partial result.
func VerifyDetached(keyMaterial string, message, sig []byte) (bool, error) {
	pub, err := ParsePublicKey(keyMaterial)
	if err != nil {
		return false, fmt.Errorf("parse public key: %w", err)
	}
	return ed25519.Verify(pub, message, sig), nil
}

// ParsePublicKey decodes key material in any of the three shapes the
// instance->cloud protocol accepts.
func ParsePublicKey(material string) (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(material)

	if strings.HasPrefix(trimmed, "v=") {
		return parseDNSTXTKey(trimmed)
	}
	if block, _ := pem.Decode([]byte(trimmed)); block != nil && block.Type == "PUBLIC KEY" {
		return parseSPKI(block.Bytes)
	}
	return parseBareKey(trimmed)
}

func parseDNSTXTKey(txt string) (ed25519.PublicKey, error) {
	var p string
	var sawAlg bool
	for _, field := range strings.Split(txt, ";") {
		field = strings.TrimSpace(field)
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "k":
			if strings.TrimSpace(kv[1]) != "ed25519" {
				return nil, fmt.Errorf("unsupported key algorithm %q", kv[1])
			}
			sawAlg = true
		case "p":
			p = strings.TrimSpace(kv[1])
		}
	}
	if !sawAlg || p == "" {
		return nil, fmt.Errorf("malformed DNS-TXT key record")
	}
	return parseBareKey(p)
}

func parseBareKey(s string) (ed25519.PublicKey, error) {
	raw, err := decodeBase64Either(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 key: %w", err)
	}
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return parseSPKI(raw)
}

func parseSPKI(der []byte) (ed25519.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse SPKI: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("SPKI key is not Ed25519")
	}
	return edPub, nil
}

// DecodeSignatureBytes decodes the sig field of a Signature envelope, which
// may arrive as standard, raw, or URL-safe base64.
func DecodeSignatureBytes(s string) ([]byte, error) {
	return decodeBase64Either(s)
}

func decodeBase64Either(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.URLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

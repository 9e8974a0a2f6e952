// Package telemetry tolerantly projects a nested, partly-untrusted instance
// trigger response into the flat store.TelemetrySample shape. A malformed or
// partially missing field degrades to null rather than failing the parse —
// the response body is attacker-influenced input from a self-hosted site,
// not a trusted peer.
package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/npcloud/control-plane/internal/store"
)

// DefaultSchemaVersion is used when a response omits schemaVer entirely.
const DefaultSchemaVersion = "1"

// Parse projects rawBody into a TelemetrySample for deliveryID/instanceID.
// collectedAt defaults to now when the response carries none. rawJSON is
// rawBody truncated to at most rawMaxBytes on a UTF-8 boundary.
func Parse(rawBody []byte, deliveryID, instanceID string, now time.Time, rawMaxBytes int) *store.TelemetrySample {
	var root map[string]interface{}
	_ = json.Unmarshal(rawBody, &root) // malformed body still yields an (empty) sample, never an error

	data, _ := asMap(root["data"])
	protocol, _ := asMap(data["protocolVerification"])
	cron, _ := asMap(data["cron"])
	system, _ := asMap(data["system"])

	accepted := false
	if b := firstBool(protocol["accepted"], data["accepted"], root["accepted"]); b != nil {
		accepted = *b
	}
	dedupHit := false
	if b := firstBool(protocol["dedupHit"], data["dedupHit"], root["dedupHit"]); b != nil {
		dedupHit = *b
	}

	schemaVer := DefaultSchemaVersion
	if s := readString(firstNonNil(data["schemaVer"], root["schemaVer"])); s != nil {
		schemaVer = *s
	}

	collectedAt := now
	if s := readString(firstNonNil(data["collectedAt"], root["collectedAt"])); s != nil {
		if t, err := time.Parse(time.RFC3339, *s); err == nil {
			collectedAt = t
		}
	}

	return &store.TelemetrySample{
		DeliveryID:       deliveryID,
		InstanceID:       instanceID,
		SchemaVer:        schemaVer,
		Accepted:         accepted,
		DedupHit:         dedupHit,
		ProtocolVerifyMs: readNumber(protocol["verifyMs"]),
		ProtocolOK:       readBoolean(protocol["ok"]),
		CronJobsRun:      readNumber(cron["jobsRun"]),
		CronJobsFailed:   readNumber(cron["jobsFailed"]),
		DiskFreeBytes:    readNumber(system["diskFreeBytes"]),
		AppUptimeSeconds: readNumber(system["appUptimeSeconds"]),
		CollectedAt:      collectedAt,
		RawJSON:          truncateUTF8(string(rawBody), rawMaxBytes),
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func firstNonNil(vs ...interface{}) interface{} {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstBool(vs ...interface{}) *bool {
	for _, v := range vs {
		if b := readBoolean(v); b != nil {
			return b
		}
	}
	return nil
}

// readString accepts only non-empty trimmed strings; everything else, including
// a blank string, reads as null.
func readString(v interface{}) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// readBoolean accepts bool, 0/1, and the case-insensitive strings
// "true"/"false"/"1"/"0".
func readBoolean(v interface{}) *bool {
	switch t := v.(type) {
	case bool:
		return &t
	case float64:
		if t == 0 {
			f := false
			return &f
		}
		if t == 1 {
			tr := true
			return &tr
		}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return readBoolean(f)
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			tr := true
			return &tr
		case "false", "0":
			f := false
			return &f
		}
	}
	return nil
}

// readNumber accepts any finite JSON number or a base-10 decimal string,
// rounding to the nearest integer.
func readNumber(v interface{}) *int64 {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		n := int64(math.Round(t))
		return &n
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return readNumber(f)
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return readNumber(f)
		}
	}
	return nil
}

// truncateUTF8 trims s to at most maxBytes bytes, never splitting a
// multi-byte rune.
func truncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

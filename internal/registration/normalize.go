package registration

import (
	"net/url"
	"strings"
)

// Pending reasons produced by site-URL normalization. Mirrors the instance
// eligibility predicate: any non-nil pending_reason keeps the row out of the
// scheduler scan.
const (
	PendingURLMissing         = "pending_url_missing"
	PendingURLInvalid         = "pending_url_invalid"
	PendingURLInvalidProtocol = "pending_url_invalid_protocol"
	PendingURLDefaultExample  = "pending_url_default_example"
	PendingURLLocalhost       = "pending_url_localhost"
)

// NormalizeSiteURL reduces a caller-submitted siteUrl to its bare origin, or
// reports why it could not be accepted. A non-empty pendingReason means url
// is empty and the instance stays in pending_url status.
func NormalizeSiteURL(raw string) (normalized string, pendingReason string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", PendingURLMissing
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", PendingURLInvalid
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", PendingURLInvalidProtocol
	}

	host := strings.ToLower(u.Hostname())
	if host == "example.com" {
		return "", PendingURLDefaultExample
	}
	if isLocalHost(host) {
		return "", PendingURLLocalhost
	}

	return scheme + "://" + strings.ToLower(u.Host), ""
}

func isLocalHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	if strings.HasPrefix(host, "127.") {
		return true
	}
	return false
}

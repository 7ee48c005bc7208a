package refclip

import (
	"net/url"
	"strings"
)

// NormalizeURL produces the canonical key used for every per-URL lookup in
// this package: fragment dropped, one trailing slash dropped. Idempotent.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return trimOneTrailingSlash(stripFragment(raw))
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	if parsed.Path != "/" {
		parsed.Path = trimOneTrailingSlash(parsed.Path)
	} else {
		parsed.Path = ""
	}
	return parsed.String()
}

// IsInternalURL reports browser-internal schemes that never participate in
// save tracking.
func IsInternalURL(raw string) bool {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"chrome://", "chrome-extension://", "about:", "edge://", "moz-extension://", "devtools://", "view-source:"} {
		if strings.HasPrefix(raw, prefix) {
			return true
		}
	}
	return false
}

func stripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func trimOneTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s[:len(s)-1]
	}
	return s
}

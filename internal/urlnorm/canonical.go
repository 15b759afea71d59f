// Package urlnorm canonicalizes article URLs so that the same story linked with
// different tracking decorations compares equal.
package urlnorm

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var trackingQueryKeys = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"dclid":   {},
	"msclkid": {},
	"yclid":   {},
	"igshid":  {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_src": {},
	"_hsenc":  {},
	"_hsmi":   {},
	"spm":     {},
}

// IsTrackingParam reports whether a query key is stripped during canonicalization.
func IsTrackingParam(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingQueryKeys[lower]
	return ok
}

// Canonicalize normalizes raw into a stable identity string. Parse failures and
// host-less inputs are returned unchanged.
func Canonicalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return raw
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return raw
	}
	parsed.Scheme = "https"
	parsed.User = nil

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return raw
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}
	parsed.Host = host

	parsed.Fragment = ""
	parsed.RawFragment = ""

	path := parsed.EscapedPath()
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		// Collapse runs so that a second pass is a no-op.
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		parsed.Path = unescaped
		parsed.RawPath = path
	}

	q := parsed.Query()
	for key := range q {
		if IsTrackingParam(key) {
			q.Del(key)
		}
	}
	if len(q) == 0 {
		parsed.RawQuery = ""
		parsed.ForceQuery = false
		return parsed.String()
	}

	keys := make([]string, 0, len(q))
	for key := range q {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		for _, value := range q[key] {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
		}
	}
	parsed.RawQuery = strings.Join(parts, "&")
	return parsed.String()
}

// Host returns the lowercase host of raw without a leading www. label.
func Host(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

// Hash returns a hex blake2b-256 digest of an already canonical URL.
func Hash(canonical string) string {
	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

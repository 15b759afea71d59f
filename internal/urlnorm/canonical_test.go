package urlnorm

import (
	"strings"
	"testing"
)

func TestCanonicalize_StripsTrackingAndNormalizes(t *testing.T) {
	t.Parallel()

	got := Canonicalize("http://WWW.Example.COM:443/news/path/?utm_source=abc&fbclid=123&b=2&a=1#comments")
	want := "https://example.com/news/path?a=1&b=2"
	if got != want {
		t.Fatalf("unexpected canonical url: got %q want %q", got, want)
	}
}

func TestCanonicalize_KeepsRootPath(t *testing.T) {
	t.Parallel()

	if got := Canonicalize("https://example.com/"); got != "https://example.com/" {
		t.Fatalf("root path should be preserved, got %q", got)
	}
}

func TestCanonicalize_InvalidReturnsInput(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"not a url", "mailto:someone@example.com", "%%%", "/relative/path"} {
		if got := Canonicalize(raw); got != raw {
			t.Fatalf("expected %q to be returned unchanged, got %q", raw, got)
		}
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"http://www.example.com/a//?utm_medium=x&z=1&a=2&a=1",
		"https://Example.com/path%20with%20space/?q=hello+world&gclid=1",
		"https://example.com:8443/x/?ref=home",
		"https://example.com/?",
		"https://sub.www.example.com/p",
		"not a url",
	}
	for _, raw := range inputs {
		once := Canonicalize(raw)
		twice := Canonicalize(once)
		if once != twice {
			t.Fatalf("canonicalization not idempotent for %q: %q != %q", raw, once, twice)
		}
	}
}

func TestCanonicalize_TrackingParamsAbsent(t *testing.T) {
	t.Parallel()

	got := Canonicalize("https://example.com/a?utm_source=x&UTM_CAMPAIGN=y&fbclid=z&mc_eid=1&keep=yes")
	for _, key := range []string{"utm_source", "UTM_CAMPAIGN", "fbclid", "mc_eid"} {
		if strings.Contains(got, key+"=") {
			t.Fatalf("tracking param %q survived: %q", key, got)
		}
	}
	if !strings.Contains(got, "keep=yes") {
		t.Fatalf("non-tracking param dropped: %q", got)
	}
}

func TestHostAndHash(t *testing.T) {
	t.Parallel()

	if got := Host("https://WWW.News.example.org/a"); got != "news.example.org" {
		t.Fatalf("unexpected host: %q", got)
	}
	a := Hash("https://example.com/a")
	b := Hash("https://example.com/a")
	if a != b || len(a) != 64 {
		t.Fatalf("hash must be deterministic 32-byte hex, got %q / %q", a, b)
	}
}

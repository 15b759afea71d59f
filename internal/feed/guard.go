package feed

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// CheckURL rejects URLs that are not plain http(s) or that resolve to a
// loopback, private, link-local, unique-local or unspecified address. A nil
// resolver uses net.DefaultResolver.
func CheckURL(ctx context.Context, raw string, resolver Resolver) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &UnsafeURLError{URL: raw, Reason: "malformed url"}
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return &UnsafeURLError{URL: raw, Reason: fmt.Sprintf("scheme %q not allowed", parsed.Scheme)}
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return &UnsafeURLError{URL: raw, Reason: "missing host"}
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return &UnsafeURLError{URL: raw, Reason: "localhost not allowed"}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if reason, blocked := blockedAddr(addr); blocked {
			return &UnsafeURLError{URL: raw, Reason: reason}
		}
		return nil
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return &UnsafeURLError{URL: raw, Reason: "host has no addresses"}
	}
	for _, ipAddr := range addrs {
		addr, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok {
			return &UnsafeURLError{URL: raw, Reason: "unparseable resolved address"}
		}
		if reason, blocked := blockedAddr(addr); blocked {
			return &UnsafeURLError{URL: raw, Reason: fmt.Sprintf("%s resolves to %s", host, reason)}
		}
	}
	return nil
}

func blockedAddr(addr netip.Addr) (string, bool) {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsPrivate() {
		return fmt.Sprintf("blocked address %s", addr), true
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return fmt.Sprintf("blocked address %s", addr), true
		}
	}
	return "", false
}

// DialControl is a net.Dialer Control hook that refuses connections to
// blocked addresses. It runs on the address actually dialed, so a host that
// re-resolves after CheckURL still cannot reach an internal address.
func DialControl(network, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return &UnsafeURLError{URL: address, Reason: "unparseable dial address"}
	}
	if reason, blocked := blockedAddr(addrPort.Addr()); blocked {
		return &UnsafeURLError{URL: address, Reason: fmt.Sprintf("%s dial to %s", network, reason)}
	}
	return nil
}

// NewGuardedClient returns an HTTP client whose dialer applies DialControl.
func NewGuardedClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second, Control: DialControl}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}

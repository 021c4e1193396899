package pipeline

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPExtractor resolves the client identity used to partition rate
// limit buckets and failure windows. X-Forwarded-For is only consulted when
// the direct peer is a trusted proxy, and is walked right to left.
type ClientIPExtractor struct {
	trusted []netip.Prefix
}

// NewClientIPExtractor accepts CIDRs or single addresses. Invalid entries are
// skipped and returned so the caller can log them.
func NewClientIPExtractor(trustedProxies []string) (*ClientIPExtractor, []string) {
	var invalid []string
	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(raw); err == nil {
			a = a.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		invalid = append(invalid, raw)
	}
	return &ClientIPExtractor{trusted: prefixes}, invalid
}

func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remote := NormalizeIP(stripPort(r.RemoteAddr))
	if remote == "" {
		remote = "unknown"
	}
	if len(e.trusted) == 0 || !e.isTrusted(remote) {
		return remote
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remote
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := NormalizeIP(strings.TrimSpace(hops[i]))
		if hop == "" {
			continue
		}
		if !e.isTrusted(hop) {
			return hop
		}
	}
	return remote
}

func (e *ClientIPExtractor) isTrusted(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range e.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// NormalizeIP returns the canonical text form of an address so that
// equivalent spellings share counters. IPv4-mapped IPv6 becomes IPv4 and
// zones are dropped. Unparseable input is returned trimmed.
func NormalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	a, err := netip.ParseAddr(raw)
	if err != nil {
		return raw
	}
	return a.Unmap().WithZone("").String()
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

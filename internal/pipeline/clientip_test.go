package pipeline

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPExtractor(t *testing.T) {
	e, invalid := NewClientIPExtractor([]string{"10.0.0.0/8", "192.0.2.10", "not-an-ip"})
	assert.Equal(t, []string{"not-an-ip"}, invalid)

	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer ignores header", "203.0.113.5:1234", "1.2.3.4", "203.0.113.5"},
		{"trusted peer uses header", "10.0.0.1:1234", "198.51.100.9", "198.51.100.9"},
		{"walks past trusted hops", "10.0.0.1:1234", "198.51.100.9, 192.0.2.10, 10.2.2.2", "198.51.100.9"},
		{"spoofed left entry ignored", "10.0.0.1:1234", "6.6.6.6, 198.51.100.9", "198.51.100.9"},
		{"all trusted falls back", "10.0.0.1:1234", "10.0.0.2", "10.0.0.1"},
		{"mapped ipv4 normalized", "[::ffff:203.0.113.7]:80", "", "203.0.113.7"},
		{"ipv6 peer", "[2001:db8::1]:443", "", "2001:db8::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, e.Extract(req))
		})
	}
}

func TestNoTrustedProxiesUsesPeer(t *testing.T) {
	e, _ := NewClientIPExtractor(nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:999"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	assert.Equal(t, "198.51.100.1", e.Extract(req))
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "192.0.2.1", NormalizeIP(" 192.0.2.1 "))
	assert.Equal(t, "2001:db8::1", NormalizeIP("2001:0db8:0000::1"))
	assert.Equal(t, "fe80::1", NormalizeIP("fe80::1%eth0"))
	assert.Equal(t, "garbage", NormalizeIP("garbage"))
	assert.Equal(t, "", NormalizeIP(""))
}

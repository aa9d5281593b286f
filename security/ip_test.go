package security

import (
	"net/http"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:52431",
			want:       "203.0.113.7",
		},
		{
			name:          "proxy headers ignored when not trusted",
			remoteAddr:    "10.0.0.1:1234",
			xForwardedFor: "203.0.113.7",
			xRealIP:       "198.51.100.2",
			trustProxy:    false,
			want:          "10.0.0.1",
		},
		{
			name:              "single trusted proxy",
			remoteAddr:        "10.0.0.1:1234",
			xForwardedFor:     "203.0.113.7, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:1234",
			xForwardedFor:     "203.0.113.7, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.7",
		},
		{
			name:              "spoofed entries beyond trusted count are skipped",
			remoteAddr:        "10.0.0.1:1234",
			xForwardedFor:     "1.2.3.4, 203.0.113.7, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
		{
			name:              "proxy count zero defaults to one",
			remoteAddr:        "10.0.0.1:1234",
			xForwardedFor:     "203.0.113.7, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 0,
			want:              "203.0.113.7",
		},
		{
			name:              "fewer entries than proxy count uses leftmost",
			remoteAddr:        "10.0.0.1:1234",
			xForwardedFor:     "203.0.113.7",
			trustProxy:        true,
			trustedProxyCount: 3,
			want:              "203.0.113.7",
		},
		{
			name:       "X-Real-IP fallback",
			remoteAddr: "10.0.0.1:1234",
			xRealIP:    "203.0.113.7",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:          "garbage XFF falls back to RemoteAddr",
			remoteAddr:    "10.0.0.1:1234",
			xForwardedFor: "not-an-ip",
			trustProxy:    true,
			want:          "10.0.0.1",
		},
		{
			name:       "garbage X-Real-IP falls back to RemoteAddr",
			remoteAddr: "10.0.0.1:1234",
			xRealIP:    "nope",
			trustProxy: true,
			want:       "10.0.0.1",
		},
		{
			name:       "IPv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "203.0.113.7",
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{
				RemoteAddr: tt.remoteAddr,
				Header:     http.Header{},
			}
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func Test_calculateClientIPIndex(t *testing.T) {
	tests := []struct {
		name              string
		numIPs            int
		trustedProxyCount int
		want              int
	}{
		{name: "two entries one proxy", numIPs: 2, trustedProxyCount: 1, want: 0},
		{name: "three entries one proxy", numIPs: 3, trustedProxyCount: 1, want: 1},
		{name: "three entries two proxies", numIPs: 3, trustedProxyCount: 2, want: 0},
		{name: "zero count treated as one", numIPs: 2, trustedProxyCount: 0, want: 0},
		{name: "not enough entries clamps to zero", numIPs: 1, trustedProxyCount: 3, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateClientIPIndex(tt.numIPs, tt.trustedProxyCount); got != tt.want {
				t.Errorf("calculateClientIPIndex(%d, %d) = %d, want %d",
					tt.numIPs, tt.trustedProxyCount, got, tt.want)
			}
		})
	}
}

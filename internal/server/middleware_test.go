// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// RATE LIMITER TESTS
// =============================================================================

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	require.NotNil(t, rl)

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("u1"); !ok {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	ok, retry := rl.Allow("u1")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Second)

	ok, _ = rl.Allow("u2")
	assert.True(t, ok, "keys have separate buckets")
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 10)
	assert.Nil(t, rl)
	for i := 0; i < 100; i++ {
		if ok, _ := rl.Allow("u1"); !ok {
			t.Fatal("nil limiter denied a request")
		}
	}
	assert.Equal(t, 0, rl.Len())
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	rl.idleTTL = time.Millisecond
	rl.Allow("old")
	time.Sleep(5 * time.Millisecond)
	rl.Allow("new")
	assert.Equal(t, 1, rl.Len())
}

// =============================================================================
// CLIENT IP TESTS
// =============================================================================

func TestClientIP(t *testing.T) {
	res := newIPResolver(nil, zap.NewNop())

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct untrusted", "203.0.113.9:5000", "", "", "203.0.113.9"},
		{"spoofed header from untrusted", "203.0.113.9:5000", "1.2.3.4", "", "203.0.113.9"},
		{"forwarded by trusted proxy", "10.0.0.2:5000", "198.51.100.7, 10.0.0.2", "", "198.51.100.7"},
		{"real ip from trusted proxy", "127.0.0.1:5000", "", "198.51.100.8", "198.51.100.8"},
		{"invalid forwarded value", "127.0.0.1:5000", "not-an-ip", "", "127.0.0.1"},
		{"ipv6 loopback", "[::1]:5000", "2001:db8::1", "", "2001:db8::1"},
		{"no port", "192.0.2.1", "", "", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := res.clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP_ConfiguredProxies(t *testing.T) {
	res := newIPResolver([]string{"203.0.113.9", "bogus"}, zap.NewNop())
	require.Len(t, res.trusted, 1)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "198.51.100.1", res.clientIP(r))

	r.RemoteAddr = "10.0.0.1:443"
	assert.Equal(t, "10.0.0.1", res.clientIP(r), "defaults are replaced by configuration")
}

// =============================================================================
// HEADER AND RECOVERY TESTS
// =============================================================================

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRecoverPanics(t *testing.T) {
	s := &Server{logger: zap.NewNop()}
	h := s.recoverPanics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), genericFailure)
	assert.NotContains(t, w.Body.String(), "boom")
}

// =============================================================================
// UPLOAD HELPERS
// =============================================================================

func TestDetectMediaType(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want string
	}{
		{"cat.png", pngHeader, "image/png"},
		{"photo.bin", []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), "image/jpeg"},
		{"notes.txt", []byte("hello"), "text/plain"},
		{"README.md", []byte("# Title\n"), "text/markdown"},
		{"data.json", []byte(`{"a":1}`), "application/json"},
		{"config.yaml", []byte("a: 1\n"), "application/yaml"},
		{"noext", []byte("plain words"), "text/plain"},
		{"fake.txt", []byte{0x00, 0x01, 0x02, 0x03}, ""},
		{"doc.pdf", []byte("%PDF-1.7\n"), ""},
	}
	for _, tt := range tests {
		if got := detectMediaType(tt.name, tt.head); got != tt.want {
			t.Errorf("detectMediaType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.txt", "report.txt"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\ada\notes.md`, "notes.md"},
		{"bad\x00name\n.txt", "badname.txt"},
		{"", "upload"},
		{"/", "upload"},
	}
	for _, tt := range tests {
		if got := cleanName(tt.in); got != tt.want {
			t.Errorf("cleanName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

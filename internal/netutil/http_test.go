package netutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Example.COM:443":      "example.com",
		" example.com. ":       "example.com",
		"[2001:db8::1]:8443":   "2001:db8::1",
		"2001:db8::1":          "2001:db8::1",
		"localhost:3000":       "localhost",
		"sub.test.EXAMPLE.com": "sub.test.example.com",
	}

	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestIsHopByHopCaseInsensitive(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"Host", "CONNECTION", "keep-alive", "Transfer-Encoding", "Upgrade", "Proxy-Connection", "proxy-authenticate", "Proxy-Authorization"} {
		if !IsHopByHop(name) {
			t.Fatalf("expected %s to be excluded", name)
		}
	}
	for _, name := range []string{"Content-Type", "X-Forwarded-For", "Te", "Cookie"} {
		if IsHopByHop(name) {
			t.Fatalf("expected %s to pass through", name)
		}
	}
}

func TestFlattenHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Accept":            {"text/html", "application/json"},
		"X-Keep":            {"keep-me"},
	}

	got := FlattenHeaders(h)
	if len(got) != 2 {
		t.Fatalf("expected 2 headers, got %v", got)
	}
	if got["Accept"] != "text/html, application/json" {
		t.Fatalf("expected joined Accept header, got %q", got["Accept"])
	}
	if got["X-Keep"] != "keep-me" {
		t.Fatalf("expected X-Keep to be preserved, got %q", got["X-Keep"])
	}
}

func TestApplyHeaders(t *testing.T) {
	t.Parallel()

	dst := http.Header{}
	ApplyHeaders(dst, map[string]string{
		"host":         "evil.example.com",
		"upgrade":      "websocket",
		"content-type": "text/plain",
	})
	if dst.Get("Host") != "" || dst.Get("Upgrade") != "" {
		t.Fatalf("expected excluded headers to be dropped, got %v", dst)
	}
	if dst.Get("Content-Type") != "text/plain" {
		t.Fatalf("expected content-type to be copied, got %v", dst)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:5555"
	if got := ClientIP(r); got != "203.0.113.7" {
		t.Fatalf("expected 203.0.113.7, got %q", got)
	}
}

// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// Lower-case names of headers that never cross the tunnel in either
// direction.
var hopByHop = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"proxy-connection":    {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
}

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// IsHopByHop reports whether name is in the tunnel's header exclusion set.
// The comparison is case-insensitive.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// FlattenHeaders converts h into the single-valued wire form, dropping
// excluded headers and joining repeated values with ", ".
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if IsHopByHop(k) || len(vv) == 0 {
			continue
		}
		out[k] = strings.Join(vv, ", ")
	}
	return out
}

// ApplyHeaders copies wire headers into dst, skipping excluded names.
func ApplyHeaders(dst http.Header, src map[string]string) {
	for k, v := range src {
		if IsHopByHop(k) {
			continue
		}
		dst.Set(k, v)
	}
}

// ClientIP returns the remote IP of r without the port.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

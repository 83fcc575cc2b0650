// Package subdomain validates, generates and extracts the routing labels that
// identify tunnels under the relay's base domain.
package subdomain

import (
	"crypto/rand"
	"strings"
)

const (
	alphabet        = "abcdefghijklmnopqrstuvwxyz0123456789"
	generatedLength = 6
	minLength       = 3
	maxLength       = 20
)

// Generate returns a random 6-character lowercase alphanumeric label.
// Collisions are the caller's concern.
func Generate() string {
	b := make([]byte, generatedLength)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// IsValid reports whether s is 3-20 characters of [a-z0-9].
func IsValid(s string) bool {
	if len(s) < minLength || len(s) > maxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// ExtractFromHost returns the label preceding "."+baseDomain in host.
// Matching is case-sensitive; a trailing :port on host is ignored.
func ExtractFromHost(host, baseDomain string) (string, bool) {
	if baseDomain == "" {
		return "", false
	}
	host = stripPort(host)
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || !IsValid(label) {
		return "", false
	}
	return label, true
}

func stripPort(host string) string {
	i := strings.LastIndexByte(host, ':')
	if i < 0 || strings.Contains(host, "]") && i < strings.LastIndexByte(host, ']') {
		return host
	}
	port := host[i+1:]
	if port == "" {
		return host[:i]
	}
	for j := 0; j < len(port); j++ {
		if port[j] < '0' || port[j] > '9' {
			return host
		}
	}
	return host[:i]
}

package registry

// KeyPrefix namespaces presence keys inside a shared Redis.
const KeyPrefix = "tunnel:"

// Key returns the Redis key for a subdomain's presence record.
func Key(subdomain string) string {
	return KeyPrefix + subdomain
}

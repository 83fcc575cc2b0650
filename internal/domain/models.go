// Package domain defines the core data types shared across the relay,
// client, store, and registry layers.
package domain

import "time"

// Principal is the identity behind a validated tunnel token.
type Principal struct {
	ID int64
	// Subdomain is the persisted preference, empty when none is set.
	Subdomain string
}

// Token is a stored tunnel credential. Only the hash is persisted.
type Token struct {
	ID         int64      `json:"id"`
	Subdomain  string     `json:"subdomain,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Presence is the distributed record of a claimed subdomain.
type Presence struct {
	TokenID     int64 `json:"tokenId"`
	ConnectedAt int64 `json:"connectedAt"` // unix milliseconds
	LocalPort   int   `json:"localPort"`
}

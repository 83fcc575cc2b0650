package domain

// LoginRequest is the admin login body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreatedToken carries a newly minted token. The plaintext value is only
// ever returned here.
type CreatedToken struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// SetSubdomainRequest assigns or clears a token's persistent subdomain.
type SetSubdomainRequest struct {
	ID        int64   `json:"id"`
	Subdomain *string `json:"subdomain"`
}

// SubdomainCheckResponse answers an availability check.
type SubdomainCheckResponse struct {
	Available bool   `json:"available"`
	URI       string `json:"uri,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Timestamp   string `json:"timestamp"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

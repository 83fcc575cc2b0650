package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// SessionTTL is the lifetime of an admin session cookie.
const SessionTTL = 12 * time.Hour

// ErrInvalidSession is returned for tampered, malformed or expired cookies.
var ErrInvalidSession = errors.New("invalid admin session")

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Admin holds the configured dashboard credentials.
type Admin struct {
	username     string
	passwordHash string
	secret       []byte
}

// NewAdmin prepares admin credentials. It returns nil when username or
// password is empty, meaning the admin API is not configured.
func NewAdmin(username, password, secret string) (*Admin, error) {
	if username == "" || password == "" {
		return nil, nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		secret = password
	}
	return &Admin{username: username, passwordHash: hash, secret: []byte(secret)}, nil
}

// Verify checks a login attempt.
func (a *Admin) Verify(username, password string) bool {
	userOK := subtleStringEquals(username, a.username)
	passOK := CheckPassword(a.passwordHash, password)
	return userOK && passOK
}

type sessionPayload struct {
	Username string `json:"username"`
	Exp      int64  `json:"exp"`
}

// IssueSession returns a signed cookie value valid until now+SessionTTL.
func (a *Admin) IssueSession(now time.Time) (string, error) {
	raw, err := json.Marshal(sessionPayload{Username: a.username, Exp: now.Add(SessionTTL).UnixMilli()})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + a.sign(payload), nil
}

// ParseSession validates a cookie value and returns its username.
func (a *Admin) ParseSession(value string, now time.Time) (string, error) {
	payload, sig, ok := strings.Cut(value, ".")
	if !ok || payload == "" || sig == "" {
		return "", ErrInvalidSession
	}
	if !hmac.Equal([]byte(sig), []byte(a.sign(payload))) {
		return "", ErrInvalidSession
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidSession
	}
	var p sessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", ErrInvalidSession
	}
	if p.Username != a.username || now.UnixMilli() >= p.Exp {
		return "", ErrInvalidSession
	}
	return p.Username, nil
}

func (a *Admin) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func subtleStringEquals(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

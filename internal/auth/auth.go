// Package auth resolves caller identity. Two schemes are checked in
// order: an HMAC-SHA256 webhook signature over the raw request body, then
// HTTP basic auth against the static two-user table built from
// configuration at startup.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"keyserver/internal/config"
)

// SignatureHeader carries the hex HMAC-SHA256 signature of the raw
// request body on webhook calls.
const SignatureHeader = "X-Webhook-Signature"

// Role is the authorization level of a resolved principal.
type Role string

const (
	// RoleAdmin may call every endpoint.
	RoleAdmin Role = "admin"
	// RoleUser is the secondary billing user: authenticated, not admin.
	RoleUser Role = "user"
	// RoleBilling is the synthetic principal of a verified webhook call.
	// It is a trust signal from the billing provider, not a human user.
	RoleBilling Role = "billing_confirmation"
)

// Principal is the resolved identity of a caller.
type Principal struct {
	Role     Role
	Username string
}

// IsAdmin reports whether the principal may call admin-only endpoints.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

type user struct {
	password string
	role     Role
}

// Authenticator checks webhook signatures and basic-auth credentials.
type Authenticator struct {
	users         map[string]user
	webhookSecret []byte
}

// NewAuthenticator builds the static principal table from configuration.
func NewAuthenticator(cfg config.SecurityConfig) *Authenticator {
	return &Authenticator{
		users: map[string]user{
			"admin":   {password: cfg.AdminPassword, role: RoleAdmin},
			"billing": {password: cfg.BillingPassword, role: RoleUser},
		},
		webhookSecret: []byte(cfg.WebhookSecret),
	}
}

// Authenticate resolves the caller of r to a principal, or nil when the
// request carries no valid credentials. body is the raw request body,
// already buffered by the caller so the signature covers exactly the
// bytes on the wire.
//
// A present-but-invalid webhook signature is a hard failure: it does not
// fall through to basic auth.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) *Principal {
	if signature := r.Header.Get(SignatureHeader); signature != "" {
		if a.verifySignature(signature, body) {
			return &Principal{Role: RoleBilling}
		}
		return nil
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	entry, known := a.users[username]
	if !known || !passwordMatches(entry.password, password) {
		return nil
	}
	return &Principal{Role: entry.role, Username: username}
}

// verifySignature compares the hex signature against HMAC-SHA256 of the
// body in constant time.
func (a *Authenticator) verifySignature(signature string, body []byte) bool {
	received, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.webhookSecret)
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}

// passwordMatches compares a configured password against the supplied
// one. A configured value with a bcrypt prefix is verified as a hash,
// letting deployments keep plaintext secrets out of the environment;
// anything else is compared in constant time.
func passwordMatches(configured, supplied string) bool {
	if strings.HasPrefix(configured, "$2a$") ||
		strings.HasPrefix(configured, "$2b$") ||
		strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}

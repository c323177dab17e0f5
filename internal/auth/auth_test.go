package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"keyserver/internal/config"
)

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(config.SecurityConfig{
		AdminPassword:   "admin-pass",
		BillingPassword: "billing-pass",
		WebhookSecret:   "webhook-secret",
	})
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestAuthenticate_BasicAuth(t *testing.T) {
	a := newTestAuthenticator()

	tests := []struct {
		name     string
		username string
		password string
		wantRole Role
		wantNil  bool
	}{
		{name: "admin", username: "admin", password: "admin-pass", wantRole: RoleAdmin},
		{name: "billing user", username: "billing", password: "billing-pass", wantRole: RoleUser},
		{name: "wrong password", username: "admin", password: "nope", wantNil: true},
		{name: "unknown user", username: "root", password: "admin-pass", wantNil: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/keys", nil)
			r.SetBasicAuth(tc.username, tc.password)

			p := a.Authenticate(r, nil)
			if tc.wantNil {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, tc.wantRole, p.Role)
			assert.Equal(t, tc.username, p.Username)
		})
	}
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	a := newTestAuthenticator()
	r := httptest.NewRequest("POST", "/key", nil)
	assert.Nil(t, a.Authenticate(r, nil))
}

func TestAuthenticate_WebhookSignature(t *testing.T) {
	a := newTestAuthenticator()
	body := []byte(`{"product_id":"pro"}`)

	r := httptest.NewRequest("POST", "/generate-key", nil)
	r.Header.Set(SignatureHeader, sign("webhook-secret", body))

	p := a.Authenticate(r, body)
	require.NotNil(t, p)
	assert.Equal(t, RoleBilling, p.Role)
	assert.False(t, p.IsAdmin())
}

func TestAuthenticate_TamperedSignatureDoesNotFallThrough(t *testing.T) {
	a := newTestAuthenticator()
	body := []byte(`{"product_id":"pro"}`)

	// Valid basic auth rides along, but the bad signature must win.
	r := httptest.NewRequest("POST", "/generate-key", nil)
	r.SetBasicAuth("admin", "admin-pass")
	r.Header.Set(SignatureHeader, sign("wrong-secret", body))

	assert.Nil(t, a.Authenticate(r, body))
}

func TestAuthenticate_SignatureOverDifferentBody(t *testing.T) {
	a := newTestAuthenticator()
	signed := []byte(`{"product_id":"pro"}`)

	r := httptest.NewRequest("POST", "/generate-key", nil)
	r.Header.Set(SignatureHeader, sign("webhook-secret", signed))

	assert.Nil(t, a.Authenticate(r, []byte(`{"product_id":"basic"}`)))
}

func TestAuthenticate_MalformedSignature(t *testing.T) {
	a := newTestAuthenticator()
	r := httptest.NewRequest("POST", "/generate-key", nil)
	r.Header.Set(SignatureHeader, "not-hex")
	assert.Nil(t, a.Authenticate(r, []byte("{}")))
}

func TestPasswordMatches_BcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	a := NewAuthenticator(config.SecurityConfig{
		AdminPassword:   string(hash),
		BillingPassword: "billing-pass",
		WebhookSecret:   "webhook-secret",
	})

	r := httptest.NewRequest("GET", "/keys", nil)
	r.SetBasicAuth("admin", "s3cret")
	p := a.Authenticate(r, nil)
	require.NotNil(t, p)
	assert.Equal(t, RoleAdmin, p.Role)

	r = httptest.NewRequest("GET", "/keys", nil)
	r.SetBasicAuth("admin", "wrong")
	assert.Nil(t, a.Authenticate(r, nil))
}

func TestIsAdmin_NilReceiver(t *testing.T) {
	var p *Principal
	assert.False(t, p.IsAdmin())
}

package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morsel/internal/domain"
	"morsel/internal/infra/config"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "admin-bot", Roles: []string{"admin"}},
		{Token: "nameless"},
	})

	info, err := auth.Authenticate("secret-123")
	require.NoError(t, err)
	assert.Equal(t, "admin-bot", info.Name)
	assert.Equal(t, []string{"admin"}, info.Roles)

	info, err = auth.Authenticate("nameless")
	require.NoError(t, err)
	assert.Equal(t, "token", info.Name)

	_, err = auth.Authenticate("wrong-token")
	assert.ErrorIs(t, err, domain.ErrGatewayAuthFailed)
	_, err = auth.Authenticate("")
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestJWTAuth(t *testing.T) {
	auth := NewJWTAuth(testSecret)

	tok, err := IssueToken(testSecret, "alice", []string{"chat"}, time.Minute)
	require.NoError(t, err)
	info, err := auth.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Name)
	assert.Equal(t, []string{"chat"}, info.Roles)

	sign := func(method jwt.SigningMethod, claims jwt.Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(testSecret)
		require.NoError(t, err)
		return s
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Minute))
	otherSecret, err := IssueToken([]byte("ffffffffffffffffffffffffffffffff"), "alice", nil, time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "alice", nil, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", otherSecret},
		{"expired", expired},
		{"no expiry", sign(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"})},
		{"no subject", sign(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: exp})},
		{"other algorithm", sign(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Authenticate(tt.token)
			assert.ErrorIs(t, err, domain.ErrGatewayAuthFailed)
		})
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	_, err := IssueToken(testSecret, "", nil, time.Minute)
	assert.Error(t, err)
}

func TestNewAuthenticator(t *testing.T) {
	open := NewAuthenticator(config.AuthConfig{})
	info, err := open.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", info.Name)

	static := NewAuthenticator(config.AuthConfig{Tokens: []config.TokenConfig{{Token: "t1", Name: "bot"}}})
	assert.IsType(t, &StaticTokenAuth{}, static)

	both := NewAuthenticator(config.AuthConfig{
		Tokens:    []config.TokenConfig{{Token: "t1", Name: "bot"}},
		JWTSecret: string(testSecret),
	})
	info, err = both.Authenticate("t1")
	require.NoError(t, err)
	assert.Equal(t, "bot", info.Name)

	tok, err := IssueToken(testSecret, "carol", nil, time.Minute)
	require.NoError(t, err)
	info, err = both.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, "carol", info.Name)

	_, err = both.Authenticate("nope")
	assert.ErrorIs(t, err, domain.ErrGatewayAuthFailed)
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"bearer header", "/hub", "Bearer abc", "abc"},
		{"lowercase scheme", "/hub", "bearer abc", "abc"},
		{"basic ignored", "/hub?access_token=q", "Basic xyz", "q"},
		{"access_token query", "/hub?access_token=q", "", "q"},
		{"token query", "/hub?token=legacy", "", "legacy"},
		{"none", "/hub", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, TokenFromRequest(req))
		})
	}
}

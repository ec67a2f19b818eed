package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"morsel/internal/domain"
	"morsel/internal/infra/config"
)

// ClientInfo describes an authenticated hub client.
type ClientInfo struct {
	Name  string
	Roles []string
}

// Authenticator validates the credential presented on the upgrade request.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// NewAuthenticator builds the authenticator for cfg. Static tokens are tried
// before JWTs. With neither configured every client is let in.
func NewAuthenticator(cfg config.AuthConfig) Authenticator {
	var chain ChainAuth
	if len(cfg.Tokens) > 0 {
		chain = append(chain, NewStaticTokenAuth(cfg.Tokens))
	}
	if cfg.JWTSecret != "" {
		chain = append(chain, NewJWTAuth([]byte(cfg.JWTSecret)))
	}
	switch len(chain) {
	case 0:
		return OpenAuth{}
	case 1:
		return chain[0]
	}
	return chain
}

// OpenAuth accepts any credential, including none.
type OpenAuth struct{}

func (OpenAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}

// StaticTokenAuth matches against a fixed token list in constant time.
type StaticTokenAuth struct {
	tokens []config.TokenConfig
}

func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	return &StaticTokenAuth{tokens: tokens}
}

func (a *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrGatewayAuthFailed)
	}
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			name := t.Name
			if name == "" {
				name = "token"
			}
			return &ClientInfo{Name: name, Roles: t.Roles}, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// Claims is the JWT payload accepted by JWTAuth. The subject names the client.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth validates HS256 bearer tokens.
type JWTAuth struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTAuth(secret []byte) *JWTAuth {
	return &JWTAuth{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (a *JWTAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrGatewayAuthFailed)
	}
	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayAuthFailed, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", domain.ErrGatewayAuthFailed)
	}
	return &ClientInfo{Name: claims.Subject, Roles: claims.Roles}, nil
}

// IssueToken signs an HS256 token for subject valid for ttl.
func IssueToken(secret []byte, subject string, roles []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("gateway: token subject is required")
	}
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ChainAuth tries each authenticator in order and returns the first success.
type ChainAuth []Authenticator

func (c ChainAuth) Authenticate(token string) (*ClientInfo, error) {
	err := domain.ErrGatewayAuthFailed
	for _, a := range c {
		info, aerr := a.Authenticate(token)
		if aerr == nil {
			return info, nil
		}
		err = aerr
	}
	return nil, err
}

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the access_token query parameter browsers must use.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// Authentication methods carried in the amr claim
const (
	MethodPassword = "pwd"
	MethodMFA      = "mfa"
)

// Claims represents the bearer token claims.
// CredentialEpoch is the principal's credential invalidation time in microseconds when the token was issued.
type Claims struct {
	Username        string   `json:"username"`
	Role            string   `json:"role"`
	AMR             []string `json:"amr,omitempty"`
	CredentialEpoch int64    `json:"cep,omitempty"`
	jwt.RegisteredClaims
}

// MFA reports whether a second factor was verified when the token was issued
func (c *Claims) MFA() bool {
	for _, m := range c.AMR {
		if m == MethodMFA {
			return true
		}
	}
	return false
}

// Token is the login response
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// TokenManager issues and verifies HS256 bearer tokens
type TokenManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenManager creates a token manager from JWT configuration
func NewTokenManager(cfg config.JWTConfig) *TokenManager {
	ttl := time.Duration(cfg.AccessTokenTTL) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{
		secret:   []byte(cfg.SecretKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue signs a token for the principal. mfa records that a trusted authenticator
// verified a second factor for this login.
func (tm *TokenManager) Issue(p *rbac.Principal, mfa bool) (*Token, error) {
	now := tm.now().UTC()
	amr := []string{MethodPassword}
	if mfa {
		amr = append(amr, MethodMFA)
	}
	claims := &Claims{
		Username:        p.Username,
		Role:            string(p.Role),
		AMR:             amr,
		CredentialEpoch: credentialEpoch(p),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tm.ttl / time.Second),
		IssuedAt:    claims.IssuedAt.Time,
	}, nil
}

func credentialEpoch(p *rbac.Principal) int64 {
	if p.CredentialsInvalidatedAt == nil {
		return 0
	}
	return p.CredentialsInvalidatedAt.UnixMicro()
}

// Verify validates signature, issuer, audience and lifetime
func (tm *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithAudience(tm.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("token missing subject or issued-at")
	}

	return claims, nil
}

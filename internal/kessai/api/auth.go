package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Treynis/ejbca/internal/kessai/admin"
)

// Claims identify the administrator behind a bearer token by the issuer and
// serial number of their client certificate. Subject carries the subject DN.
type Claims struct {
	jwt.RegisteredClaims
	IssuerDN string `json:"issuer_dn"`
	Serial   string `json:"serial"`
}

// Identity converts the claims into an administrator identity.
func (c *Claims) Identity() admin.Identity {
	return admin.Identity{IssuerDN: c.IssuerDN, Serial: c.Serial, SubjectDN: c.Subject}
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a Verifier for secret. An empty secret is refused so a
// misconfigured service never accepts unsigned tokens.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("api: jwt secret is empty")
	}
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}, nil
}

// Verify parses tokenStr and returns its claims.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.IssuerDN == "" || claims.Serial == "" {
		return nil, errors.New("token does not name a certificate")
	}
	return claims, nil
}

// Issue signs a token for who that is valid for ttl.
func (v *Verifier) Issue(who admin.Identity, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.SubjectDN,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IssuerDN: who.IssuerDN,
		Serial:   who.Serial,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

type identityKey struct{}

// WithIdentity stores the authenticated administrator in ctx.
func WithIdentity(ctx context.Context, who admin.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, who)
}

// IdentityFromContext returns the administrator stored by the auth
// middleware.
func IdentityFromContext(ctx context.Context) (admin.Identity, bool) {
	who, ok := ctx.Value(identityKey{}).(admin.Identity)
	return who, ok
}

// authenticate rejects requests without a valid bearer token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing Authorization header")
			return
		}
		scheme, tokenStr, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "expected 'Bearer <token>'")
			return
		}
		claims, err := s.verifier.Verify(strings.TrimSpace(tokenStr))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Identity())))
	})
}

package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminClaims are the JWT claims for an institution administrator token.
type AdminClaims struct {
	jwt.RegisteredClaims
	InstitutionID string `json:"institution_id"`
	ActorID       string `json:"actor_id,omitempty"`
	Role          string `json:"role"` // always "admin"
}

// TokenIssuer issues and verifies admin tokens, HMAC-signed with the
// configured admin secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. ttl defaults to 8 hours.
func NewTokenIssuer(secret []byte, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuerURL, ttl: ttl}
}

// Issue creates a signed admin token scoped to an institution.
func (t *TokenIssuer) Issue(institutionID uuid.UUID, actorID *uuid.UUID) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   institutionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		InstitutionID: institutionID.String(),
		Role:          "admin",
	}
	if actorID != nil {
		claims.ActorID = actorID.String()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an admin token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AdminClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid admin token claims")
	}
	if claims.Role != "admin" {
		return nil, fmt.Errorf("not an admin token")
	}
	return claims, nil
}

const adminClaimsKey = "veripact.admin.claims"

// RequireAdminToken is a Gin middleware that rejects requests without a
// valid bearer admin token and stashes the claims in the context.
func RequireAdminToken(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
			return
		}
		claims, err := issuer.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Set(adminClaimsKey, claims)
		c.Next()
	}
}

// AdminClaimsFromCtx returns the admin claims stored by RequireAdminToken,
// or nil when the request was not authenticated.
func AdminClaimsFromCtx(c *gin.Context) *AdminClaims {
	v, ok := c.Get(adminClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*AdminClaims)
	return claims
}

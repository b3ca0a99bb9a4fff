// Package auth turns identity-provider bearer tokens into booking actors.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Claims is the token body shared with the identity provider.
type Claims struct {
	Role      string `json:"role"`
	CompanyID string `json:"company_id,omitempty"`
	jwt.RegisteredClaims
}

// NewToken signs an HS256 token for actor. Used by seed and simulate.
func NewToken(secret string, actor appointment.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if actor.CompanyID != nil {
		claims.CompanyID = actor.CompanyID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies an HMAC token and returns the actor it names.
func ParseToken(secret, raw string) (appointment.Actor, error) {
	if secret == "" {
		return appointment.Actor{}, fmt.Errorf("%w: auth secret not configured", ErrUnauthenticated)
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return appointment.Actor{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return appointment.Actor{}, fmt.Errorf("%w: subject is not a user id", ErrUnauthenticated)
	}
	role := appointment.Role(claims.Role)
	if !role.Valid() {
		return appointment.Actor{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}

	actor := appointment.Actor{UserID: userID, Role: role}
	if claims.CompanyID != "" {
		companyID, err := uuid.Parse(claims.CompanyID)
		if err != nil {
			return appointment.Actor{}, fmt.Errorf("%w: company_id is not a uuid", ErrUnauthenticated)
		}
		actor.CompanyID = &companyID
	}
	return actor, nil
}

// Package auth verifies the tokens riders present when binding a channel
// to a ride.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims either name the ride directly or the rider who owns it.
type Claims struct {
	RideID  string `json:"ride_id,omitempty"`
	RiderID string `json:"rider_id,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

// NewVerifier returns nil for an empty secret, which disables checks.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Parse validates signature and expiry. A "Bearer " prefix is tolerated.
func (v *Verifier) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// Authorize checks that token may bind to rideID, owned by riderID.
// A nil Verifier allows everything.
func (v *Verifier) Authorize(token, rideID, riderID string) error {
	if v == nil {
		return nil
	}
	c, err := v.Parse(token)
	if err != nil {
		return err
	}
	switch {
	case c.RideID != "" && c.RideID == rideID:
		return nil
	case c.RideID == "" && c.RiderID != "" && c.RiderID == riderID:
		return nil
	}
	return fmt.Errorf("%w: token does not grant ride %s", ErrUnauthorized, rideID)
}

// Issue signs a token for a ride. Used by the ride-start response so the
// rider app can bind its channel without another round trip.
func (v *Verifier) Issue(rideID, riderID string, ttl time.Duration) (string, error) {
	if v == nil {
		return "", nil
	}
	now := time.Now()
	claims := &Claims{
		RideID:  rideID,
		RiderID: riderID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, c Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &c).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestNilVerifierAllows(t *testing.T) {
	v := NewVerifier("")
	assert.Nil(t, v)
	assert.NoError(t, v.Authorize("", "R1", "u1"))
}

func TestAuthorize(t *testing.T) {
	v := NewVerifier("s3cret")
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	rideTok := sign(t, "s3cret", Claims{RideID: "R1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}})
	riderTok := sign(t, "s3cret", Claims{RiderID: "u1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}})
	expired := sign(t, "s3cret", Claims{RideID: "R1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}})
	forged := sign(t, "other", Claims{RideID: "R1"})

	tests := []struct {
		name  string
		token string
		ride  string
		rider string
		ok    bool
	}{
		{"ride claim", rideTok, "R1", "u9", true},
		{"bearer prefix", "Bearer " + rideTok, "R1", "u9", true},
		{"other ride", rideTok, "R2", "u9", false},
		{"rider claim", riderTok, "R5", "u1", true},
		{"other rider", riderTok, "R5", "u2", false},
		{"expired", expired, "R1", "u1", false},
		{"bad signature", forged, "R1", "u1", false},
		{"empty", "", "R1", "u1", false},
		{"garbage", "abc.def", "R1", "u1", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Authorize(tc.token, tc.ride, tc.rider)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
			}
		})
	}
}

func TestIssueRoundTrip(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Issue("R1", "u1", time.Minute)
	require.NoError(t, err)

	c, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "R1", c.RideID)
	assert.Equal(t, "u1", c.RiderID)
	assert.NoError(t, v.Authorize(tok, "R1", "someone-else"))
}

package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when no credential was presented.
	ErrNoToken = errors.New("no token")
	// ErrInvalidToken is returned for malformed or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

// Verifier resolves a credential token to a user id.
type Verifier interface {
	Verify(token string) (int, error)
}

// JWTVerifier validates HS256 tokens issued by the auth service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a JWTVerifier.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify checks signature and expiry and extracts the user id from the
// sub, user_id or id claim, in that order.
func (v *JWTVerifier) Verify(token string) (int, error) {
	if token == "" {
		return 0, ErrNoToken
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, ErrInvalidToken
	}
	if !parsed.Valid {
		return 0, ErrInvalidToken
	}

	for _, key := range []string{"sub", "user_id", "id"} {
		if userID, ok := claimToUserID(claims[key]); ok {
			return userID, nil
		}
	}
	return 0, ErrInvalidToken
}

func claimToUserID(claim any) (int, bool) {
	switch val := claim.(type) {
	case string:
		id, err := strconv.Atoi(val)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	case float64:
		if val <= 0 {
			return 0, false
		}
		return int(val), true
	default:
		return 0, false
	}
}

// TokenFromRequest extracts the credential presented at connection time:
// Authorization header, then the jwt cookie, then the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	if cookie, err := r.Cookie("jwt"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

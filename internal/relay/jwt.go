package relay

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtSecretKey = "jwt_secret"

// SessionClaims are the JWT claims for a browser session cookie.
type SessionClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"adm,omitempty"`
}

// GenerateOrLoadSecret returns the JWT signing secret.
// Priority: envSecret (from PIZZAPI_JWT_SECRET) > hub_config DB > auto-generate.
func GenerateOrLoadSecret(store *Store, envSecret string) ([]byte, error) {
	if envSecret != "" {
		return base64.StdEncoding.DecodeString(envSecret)
	}

	val, err := store.GetHubConfig(jwtSecretKey)
	if err != nil {
		return nil, err
	}
	if val != "" {
		return base64.StdEncoding.DecodeString(val)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := store.SetHubConfig(jwtSecretKey, encoded); err != nil {
		return nil, err
	}
	return secret, nil
}

// IssueSessionJWT creates a signed cookie token for a user.
func IssueSessionJWT(secret []byte, userID string, admin bool, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Admin: admin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// ValidateSessionJWT verifies a cookie token and returns the claims.
func ValidateSessionJWT(secret []byte, tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	return claims, nil
}

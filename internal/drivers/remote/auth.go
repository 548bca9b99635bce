package remote

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/maruel/odb/internal/errors"
)

// Token signs an HS256 token for user, valid for ttl.
func Token(secret []byte, user string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": user,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Authenticate validates the bearer token of r and returns its subject. The
// token is read from the Authorization header, or from the "token" query
// parameter for clients unable to set headers on the upgrade request.
func Authenticate(r *http.Request, secret []byte) (string, error) {
	tokenString := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", errors.Unauthorized().WithDetail("reason", "invalid authorization header")
		}
		tokenString = parts[1]
	}
	if tokenString == "" {
		return "", errors.Unauthorized()
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.Unauthorized().WithDetail("reason", "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.Unauthorized().WithDetail("reason", "invalid claims")
	}
	user, ok := claims["sub"].(string)
	if !ok || user == "" {
		return "", errors.Unauthorized().WithDetail("reason", "missing subject")
	}
	return user, nil
}

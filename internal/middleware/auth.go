package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the caller identified by the bearer token. An empty AccountID
// means an operator token that may act on any account.
type Principal struct {
	Subject   string
	AccountID string
}

// CanAccess reports whether the principal may read or mutate accountID.
func (p Principal) CanAccess(accountID string) bool {
	return p.AccountID == "" || p.AccountID == accountID
}

// PrincipalFrom returns the principal stored by Auth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Auth validates HS256 bearer tokens signed with secret.
func Auth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get token from Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			principal, err := validateToken(parts[1], key)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func validateToken(tokenString string, key []byte) (Principal, error) {
	if len(key) == 0 {
		return Principal{}, errors.New("jwt secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, errors.New("token not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("unexpected claims type")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		if userID, ok := claims["user_id"]; ok {
			subject = fmt.Sprintf("%v", userID)
		}
	}
	if subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	accountID, _ := claims["account_id"].(string)
	return Principal{Subject: subject, AccountID: accountID}, nil
}

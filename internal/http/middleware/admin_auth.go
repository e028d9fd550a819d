package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-booking/internal/http/respond"
)

// RoleOperator is the role claim accepted on /admin routes.
const RoleOperator = "operator"

// OperatorClaims is the token body issued to clinic operators. The subject
// names the operator in the audit trail.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type operatorKey struct{}

var errNotOperator = errors.New("token is not an operator token")

// AdminJWT guards operator endpoints with an HS256 token signed by secret.
// Tokens must carry a subject, an expiry and role "operator". An empty
// secret closes the endpoints.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				unauthorized(w, "admin endpoints are disabled")
				return
			}
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			claims := &OperatorClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil })
			if err == nil && (claims.Role != RoleOperator || strings.TrimSpace(claims.Subject) == "") {
				err = errNotOperator
			}
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// OperatorFromContext returns the verified operator claims, if any.
func OperatorFromContext(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(operatorKey{}).(*OperatorClaims)
	return claims, ok
}

// AdminSubject names the operator behind the request, or "".
func AdminSubject(ctx context.Context) string {
	if claims, ok := OperatorFromContext(ctx); ok {
		return claims.Subject
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	respond.JSON(w, http.StatusUnauthorized, respond.ErrorBody{
		Status: http.StatusUnauthorized,
		Code:   "UNAUTHORIZED",
		Error:  msg,
	})
}

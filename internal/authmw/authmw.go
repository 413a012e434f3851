// Package authmw provides bearer token authentication for operator routes.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// DefaultOperator names the holder of a token configured without a name.
const DefaultOperator = "operator"

// Operators maps an operator name to its bearer token.
type Operators map[string]string

// ParseOperators reads a comma separated list of name:token pairs. A bare
// token is assigned to DefaultOperator.
func ParseOperators(s string) (Operators, error) {
	ops := Operators{}
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, token, ok := strings.Cut(part, ":")
		if !ok {
			name, token = DefaultOperator, part
		}
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if name == "" || token == "" {
			return nil, fmt.Errorf("malformed operator token %q", part)
		}
		if _, dup := ops[name]; dup {
			return nil, fmt.Errorf("operator %s configured twice", name)
		}
		ops[name] = token
	}
	return ops, nil
}

type operatorKey struct{}

// Operator returns the authenticated operator name stored by BearerToken.
func Operator(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(operatorKey{}).(string)
	return name, ok
}

// BearerToken returns middleware that accepts a request when its
// Authorization header carries one of the operators' tokens. Every token is
// compared in constant time.
func BearerToken(ops Operators) func(http.Handler) http.Handler {
	type cred struct {
		name  string
		token []byte
	}
	creds := make([]cred, 0, len(ops))
	for name, token := range ops {
		creds = append(creds, cred{name: name, token: []byte(token)})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header","reason":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			var who string
			for _, c := range creds {
				if subtle.ConstantTimeCompare(got, c.token) == 1 {
					who = c.name
				}
			}
			if who == "" {
				http.Error(w, `{"error":"invalid token","reason":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, who)))
		})
	}
}

package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/yieldsim/backend/internal/admin"
)

type CapabilityParser interface {
	Parse(token string) (*admin.Capability, error)
}

// RequireCapability admits requests whose Bearer capability token grants
// scope at the current time.
func RequireCapability(parser CapabilityParser, scope string, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing capability token"}`, http.StatusUnauthorized)
				return
			}
			c, err := parser.Parse(raw)
			if err != nil {
				http.Error(w, `{"error":"invalid capability token"}`, http.StatusUnauthorized)
				return
			}
			if err := admin.Authorize(c, scope, now()); err != nil {
				if errors.Is(err, admin.ErrExpired) {
					http.Error(w, `{"error":"capability expired"}`, http.StatusUnauthorized)
					return
				}
				http.Error(w, `{"error":"capability does not grant this action"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(admin.WithCapability(r.Context(), c)))
		})
	}
}

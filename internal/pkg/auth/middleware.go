package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// publicPaths skip authentication.
var publicPaths = map[string]bool{
	"/healthz": true,
}

// RequiredRole maps a request to the role it needs: reads need RoleReader,
// anything that changes state needs RoleAdmin.
func RequiredRole(r *http.Request) Role {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleReader
	default:
		return RoleAdmin
	}
}

// Middleware wraps next with API key checks. limiter may be nil.
func Middleware(validator *Validator, limiter *RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validator.IsEnabled() || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if limiter != nil && limiter.IsBlocked(r) {
			writeError(w, http.StatusTooManyRequests, ErrRateLimited)
			return
		}

		_, err := validator.ValidateRequest(r, RequiredRole(r))
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrInsufficientPermissions) {
				status = http.StatusForbidden
			} else if limiter != nil {
				limiter.RecordFailure(r)
			}
			writeError(w, status, err)
			return
		}

		if limiter != nil {
			limiter.RecordSuccess(r)
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

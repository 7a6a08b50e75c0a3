package middleware

import (
	"encoding/json"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/jikku/funnel-server/internal/auth"
	"github.com/jikku/funnel-server/internal/logging"
)

// BasicAuth protects the admin endpoints with HTTP basic authentication.
// Clients that fail too often are locked out by the limiter.
func BasicAuth(creds auth.Credentials, limiter *auth.RateLimiter, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if limiter != nil && !limiter.Allow(ip) {
				logger.Warn("admin login rate limited", zap.String("ip", ip), zap.String("path", r.URL.Path))
				writeAuthError(w, http.StatusTooManyRequests, "Too many failed attempts")
				return
			}

			user, password, ok := r.BasicAuth()
			if !ok {
				challenge(w)
				return
			}

			if err := creds.Check(user, password); err != nil {
				logger.Warn("admin login failed", zap.String("ip", ip), zap.String("user", user), zap.Error(err))
				if limiter != nil {
					limiter.RecordFailure(ip)
				}
				challenge(w)
				return
			}

			if limiter != nil {
				limiter.Reset(ip)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="funnel-server", charset="UTF-8"`)
	writeAuthError(w, http.StatusUnauthorized, "Authentication required")
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// clientIP returns the remote host without its port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

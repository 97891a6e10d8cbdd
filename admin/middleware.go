package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/maxpert/burrow/cfg"
)

// SecretHeader carries the cluster secret on admin requests
const SecretHeader = "X-Burrow-Secret"

// AuthMiddleware requires the cluster secret, via SecretHeader or a Bearer token, when one is configured
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.IsClusterAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get(SecretHeader)
		if provided == "" {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			provided = token
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.GetClusterSecret())) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/pkg/response"
)

// NASSecretHeader carries the shared secret of the accounting bridge
const NASSecretHeader = "X-NAS-Secret"

// NASAuth guards the routes the gateway calls. An empty secret rejects
// every request so a missing config never leaves the bridge open.
func NASAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(NASSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				log.Warn().Str("ip", getClientIP(r)).Str("path", r.URL.Path).Msg("Rejected NAS request")
				response.Unauthorized(w, "invalid NAS credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

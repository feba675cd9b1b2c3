package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSHandler lets the captive portal and the operator console call the
// API from the browser. Credentials are only allowed for an explicit
// origin list since the browser rejects them with a wildcard.
func CORSHandler(allowedOrigins []string) func(http.Handler) http.Handler {
	credentials := true
	for _, o := range allowedOrigins {
		if o == "*" {
			credentials = false
		}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "Retry-After"},
		AllowCredentials: credentials,
		MaxAge:           600,
	})
}

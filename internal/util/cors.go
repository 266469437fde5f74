package util

import (
	"net/http"

	"github.com/rs/cors"
)

// WithCORS allows browser clients from origins. An empty list allows any
// origin without credentials.
func WithCORS(origins []string, next http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         600,
	}
	if len(origins) > 0 {
		opts.AllowCredentials = true
	} else {
		opts.AllowedOrigins = []string{"*"}
	}
	return cors.New(opts).Handler(next)
}

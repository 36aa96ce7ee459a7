// Package apicors provides CORS middleware for endpoints that authenticate
// with bearer tokens instead of cookies.
//
// The admin API never reads cookies, so credentials are not allowed and
// the origin list can be left open. Cookie-authenticated routes use the
// stricter WAFFLE CORS middleware instead.
package apicors

import (
	"net/http"
)

const (
	allowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	allowHeaders = "Authorization, Content-Type, Accept"
	maxAge       = "86400" // 24 hours
)

// Middleware returns CORS middleware for bearer-token endpoints.
//
// With no origins, any origin is allowed (Access-Control-Allow-Origin: *).
// Otherwise only the listed origins get CORS headers and the browser
// blocks the rest. Preflight OPTIONS requests are answered directly.
//
// Usage in routes.go:
//
//	r.Route("/api/admin", func(r chi.Router) {
//	    r.Use(apicors.Middleware(appCfg.AdminCORSOrigins...))
//	    ...
//	})
func Middleware(origins ...string) func(http.Handler) http.Handler {
	originSet := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		originSet[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if len(originSet) == 0 {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if origin := r.Header.Get("Origin"); origin != "" {
				h.Add("Vary", "Origin")
				if _, ok := originSet[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Methods", allowMethods)
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", maxAge)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Package middleware provides HTTP middleware for the storelink API.
package middleware

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int // Preflight cache duration in seconds
}

// origins matches request origins against an allow list that may contain
// "*" or wildcard subdomain patterns such as "https://*.example.com".
type origins struct {
	any      bool
	exact    map[string]bool
	patterns []string
}

func newOrigins(allowed []string) origins {
	o := origins{exact: make(map[string]bool)}
	if len(allowed) == 0 {
		o.any = true
	}
	for _, a := range allowed {
		switch {
		case a == "*":
			o.any = true
		case strings.Contains(a, "*"):
			o.patterns = append(o.patterns, a)
		default:
			o.exact[a] = true
		}
	}
	return o
}

func (o origins) allows(origin string) bool {
	if o.any || o.exact[origin] {
		return true
	}
	for _, p := range o.patterns {
		if matchWildcardOrigin(p, origin) {
			return true
		}
	}
	return false
}

// CORS creates a middleware that handles CORS headers for the admin console.
func CORS(cfg CORSConfig) mux.MiddlewareFunc {
	allowed := newOrigins(cfg.AllowedOrigins)

	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Content-Type", "Authorization", "X-Requested-With"}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 86400 // 24 hours
	}

	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !allowed.allows(origin) {
				// Same-origin requests still work; browsers enforce the rest.
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchWildcardOrigin reports whether origin matches a pattern like
// "https://*.example.com". The wildcard needs at least one label, so the
// bare domain does not match.
func matchWildcardOrigin(pattern, origin string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == origin
	}

	p, err := url.Parse(strings.Replace(pattern, "*.", "wildcard.", 1))
	if err != nil {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil || o.Scheme != p.Scheme {
		return false
	}

	suffix := strings.TrimPrefix(p.Hostname(), "wildcard")
	host := o.Hostname()
	return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
}

// CheckOrigin returns a function for WebSocket origin checking. Requests
// without an Origin header (stores, native clients) are always allowed.
func CheckOrigin(allowedOrigins []string) func(*http.Request) bool {
	allowed := newOrigins(allowedOrigins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed.allows(origin)
	}
}

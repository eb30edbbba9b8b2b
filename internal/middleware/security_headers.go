// Package middleware holds HTTP middleware specific to the bridge API.
package middleware

import (
	"net/http"
	"strings"
)

// SecurityHeaders adds security-related HTTP headers to responses.
// The bridge runs inside the POS dialog, so framing is allowed for the
// configured POS origins and nobody else.
type SecurityHeaders struct {
	isDevelopment  bool
	frameAncestors string
}

// NewSecurityHeaders creates a new security headers middleware.
// allowedOrigins must already be validated concrete origins.
func NewSecurityHeaders(isDevelopment bool, allowedOrigins []string) *SecurityHeaders {
	ancestors := "'none'"
	if len(allowedOrigins) > 0 {
		ancestors = strings.Join(allowedOrigins, " ")
	}
	return &SecurityHeaders{
		isDevelopment:  isDevelopment,
		frameAncestors: ancestors,
	}
}

// Middleware wraps an HTTP handler with security headers
func (sh *SecurityHeaders) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		// X-Frame-Options cannot express an allow-list; CSP frame-ancestors does
		h.Set("X-Content-Type-Options", "nosniff")

		if !sh.isDevelopment {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		csp := "default-src 'none'; " +
			"frame-ancestors " + sh.frameAncestors + "; " +
			"base-uri 'none'; " +
			"form-action 'none'"
		if sh.isDevelopment {
			csp = "default-src 'self'; " +
				"script-src 'self' 'unsafe-inline'; " +
				"style-src 'self' 'unsafe-inline'; " +
				"connect-src 'self'; " +
				"frame-ancestors " + sh.frameAncestors + "; " +
				"base-uri 'self'; " +
				"form-action 'self'"
		}
		h.Set("Content-Security-Policy", csp)

		h.Set("Referrer-Policy", "no-referrer")

		h.Set("Permissions-Policy",
			"geolocation=(), "+
				"microphone=(), "+
				"camera=(), "+
				"payment=(), "+
				"usb=()")

		h.Set("X-Permitted-Cross-Domain-Policies", "none")

		next.ServeHTTP(w, r)
	})
}

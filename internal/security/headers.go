// Package security provides response hardening for the feature API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIHeaders are set on every response. The API only ever returns JSON or
// Prometheus text, so nothing may be rendered, framed or cached.
var APIHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

// Request headers a browser client may send, and response headers it may read.
var (
	allowedHeaders = []string{"Content-Type", "X-Request-ID", "X-Client-ID"}
	exposedHeaders = []string{"X-Request-ID", "Retry-After"}
)

// HeadersMiddleware adds APIHeaders to all responses.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range APIHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// CORSMiddleware allows browser calls from allowedOrigins. "*" allows any
// origin but then never sends credentials. An empty list allows nothing.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	wildcard := origins["*"]
	allow := strings.Join(allowedHeaders, ", ")
	expose := strings.Join(exposedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		if wildcard || origins[origin] {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allow)
			h.Set("Access-Control-Expose-Headers", expose)
			h.Set("Access-Control-Max-Age", "86400")
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

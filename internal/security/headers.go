// Package security provides response hardening and CORS for the escrow API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/p2pescrow/internal/auth"
)

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON only, so nothing may be framed or loaded from it.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// allowedHeaders are the request headers browsers may send cross-origin.
var allowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
	auth.HeaderAddress,
	auth.HeaderTimestamp,
	auth.HeaderSignature,
}, ", ")

// CORSMiddleware handles CORS for API endpoints. An empty list allows any
// origin; requests are authenticated by signature, never by cookie, so
// credentials are not allowed.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	anyOrigin := len(allowedOrigins) == 0 || origins["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (anyOrigin || origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

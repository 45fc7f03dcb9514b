package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/idgen"
	"github.com/mbd888/p2pescrow/internal/logging"
	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/ratelimit"
	"github.com/mbd888/p2pescrow/internal/security"
	"github.com/mbd888/p2pescrow/internal/validation"
)

const requestIDHeader = "X-Request-ID"

// setupMiddleware installs the global chain. Order matters: the request
// context carries the id and logger before any handler logs.
func (s *Server) setupMiddleware() {
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)

	s.router.Use(
		s.requestContext(),
		gin.CustomRecovery(recoverPanic),
		security.HeadersMiddleware(),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
		accessLog(),
	)
}

// requestContext tags the request with an id, reusing a sane upstream one,
// and attaches the server logger.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = idgen.WithPrefix("req_")
		}
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func recoverPanic(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"error", recovered,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// accessLog writes one line per request at a level chosen by status class.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if caller := auth.CallerAddress(c); caller != "" {
			attrs = append(attrs, "caller", caller)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		log := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			log.Error("request", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}

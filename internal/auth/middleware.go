// Package auth authenticates callers by the signature on each request.
//
// Every mutating request carries the caller's address, a unix timestamp and
// an EIP-191 signature over the request (see RequestMessage). The recovered
// signer, not any client-supplied field, is the identity escrow checks
// against seller, buyer and admin.
package auth

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ContextKeyCaller is the gin context key holding the verified signer address.
const ContextKeyCaller = "authCaller"

// DefaultMaxAge bounds how old a request signature may be.
const DefaultMaxAge = 5 * time.Minute

// Verifier checks request signatures and remembers the signed mutating
// requests it has accepted until their timestamp leaves the age window, so
// each one is honoured once.
type Verifier struct {
	maxAge time.Duration
	now    func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time // signer|message -> expiry
	nextPrune time.Time
}

// NewVerifier creates a verifier accepting signatures up to maxAge old
// (and at most maxAge in the future, to allow for clock skew).
func NewVerifier(maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{maxAge: maxAge, now: time.Now, seen: make(map[string]time.Time)}
}

// WithClock overrides the verifier's clock.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Middleware verifies the signature headers when present and stores the
// signer under ContextKeyCaller. Requests without headers pass through
// unauthenticated; requests with bad signatures are rejected.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimed := c.GetHeader(HeaderAddress)
		sig := c.GetHeader(HeaderSignature)
		if claimed == "" && sig == "" {
			c.Next()
			return
		}

		ts, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
		if err != nil {
			abortUnauthorized(c, "invalid or missing "+HeaderTimestamp)
			return
		}
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.maxAge || age < -v.maxAge {
			abortUnauthorized(c, "request signature expired")
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Could not read request body",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		msg := RequestMessage(c.Request.Method, c.Request.URL.Path, body, ts)
		signer, err := RecoverAddress(msg, sig)
		if err != nil || !strings.EqualFold(signer, claimed) {
			abortUnauthorized(c, "signature does not match "+HeaderAddress)
			return
		}

		if mutating(c.Request.Method) && !v.firstUse(signer, msg, ts) {
			abortUnauthorized(c, "request signature already used")
			return
		}

		c.Set(ContextKeyCaller, signer)
		c.Next()
	}
}

// firstUse records signer|msg and reports whether it was new. Entries expire
// once the signed timestamp is older than maxAge.
func (v *Verifier) firstUse(signer, msg string, ts int64) bool {
	now := v.now()
	key := strings.ToLower(signer) + "|" + msg

	v.mu.Lock()
	defer v.mu.Unlock()
	if now.After(v.nextPrune) {
		for k, exp := range v.seen {
			if now.After(exp) {
				delete(v.seen, k)
			}
		}
		v.nextPrune = now.Add(v.maxAge)
	}
	if exp, ok := v.seen[key]; ok && !now.After(exp) {
		return false
	}
	v.seen[key] = time.Unix(ts, 0).Add(v.maxAge)
	return true
}

// mutating reports whether method can change state. Reads may be resent.
func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// RequireSigner rejects requests that were not signed.
func RequireSigner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			abortUnauthorized(c, "Signed request required. Include "+HeaderAddress+", "+HeaderTimestamp+" and "+HeaderSignature+" headers.")
			return
		}
		c.Next()
	}
}

// CallerAddress returns the verified signer address, or "" when the request
// was not signed.
func CallerAddress(c *gin.Context) string {
	return c.GetString(ContextKeyCaller)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyCaller)
	return exists
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
}

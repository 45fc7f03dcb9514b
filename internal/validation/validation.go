// Package validation checks request fields before they reach the escrow
// service and renders failures in the API's error shape.
package validation

import (
	"encoding/hex"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 64KB.
const MaxRequestSize = 64 << 10

// MaxReasonLength bounds the free-text dispute reason, in runes.
const MaxReasonLength = 512

// FieldError is one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects failed rules in the order they were checked.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it passes.
type Rule func() *FieldError

// Validate runs every rule. The result is empty when all pass.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Respond writes errs as a 400 validation_error.
func Respond(c *gin.Context, errs Errors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func fail(field, msg string) *FieldError { return &FieldError{Field: field, Message: msg} }

// Required fails on empty or whitespace-only values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// ValidAddress fails on a non-empty value that is not an address. Pair it
// with Required when the field is mandatory.
func ValidAddress(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidEthAddress(value) {
			return fail(field, "must be a valid address (0x + 40 hex chars)")
		}
		return nil
	}
}

// ValidTradeID fails on a non-empty value that is not 16 bytes of hex.
func ValidTradeID(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidTradeID(value) {
			return fail(field, "must be 16 bytes of hex")
		}
		return nil
	}
}

// MaxLength fails when value has more than max runes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// IsValidEthAddress reports whether addr is 0x followed by 40 hex digits.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidTradeID reports whether s is 16 bytes of hex, with or without 0x.
func IsValidTradeID(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// SanitizeAddress lower-cases addr and adds a missing 0x prefix.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// SanitizeString trims s, drops control characters and keeps at most maxLen
// runes.
func SanitizeString(s string, maxLen int) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if n == maxLen {
			break
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// RequestSizeMiddleware caps request bodies at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects a malformed :address path parameter before
// the handler runs.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

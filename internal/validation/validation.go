// Package validation provides request validation and the shared error
// response for the HTTP gateway.
package validation

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/logging"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxPlayerLength bounds wallet identifiers. The longest supported address
// format is 44 characters; the slack covers future networks.
const MaxPlayerLength = 128

var (
	playerRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)
	hexRegex    = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPlayer reports whether s can name a player. System accounts
// start with '@' and are rejected here.
func IsValidPlayer(s string) bool {
	return len(s) > 0 && len(s) <= MaxPlayerLength && playerRegex.MatchString(s)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidPlayer checks a player identifier.
func ValidPlayer(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidPlayer(value) {
			return &ValidationError{Field: field, Message: "must be a wallet identifier"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks that value is a positive plain decimal ("12.5").
// Scale against the currency is checked later by currency.Spec.ParseAmount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		dots := 0
		nonZero := false
		for i, c := range value {
			if c == '.' {
				dots++
				if dots > 1 || i == 0 || i == len(value)-1 {
					return &ValidationError{Field: field, Message: "invalid amount format"}
				}
				continue
			}
			if c < '0' || c > '9' {
				return &ValidationError{Field: field, Message: "invalid amount format"}
			}
			if c != '0' {
				nonZero = true
			}
		}
		if !nonZero {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// PlayerParamMiddleware rejects malformed :player URL parameters early.
func PlayerParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p := c.Param("player"); p != "" && !IsValidPlayer(p) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   string(apperr.Invalid),
				"message": "player must be a wallet identifier",
			})
			return
		}
		c.Next()
	}
}

// BindJSON decodes the request body into v. On failure it writes the 400
// response and returns false.
func BindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   string(apperr.Invalid),
				"message": "request body too large",
			})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(apperr.Invalid),
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// RespondValidation writes a 400 carrying every field error.
func RespondValidation(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// RespondError maps err onto its HTTP status and writes
// {"error": kind, "message": msg}. Internal failures are logged and
// reported without detail.
func RespondError(c *gin.Context, err error) {
	status := apperr.Status(err)
	kind := apperr.KindOf(err)
	if errors.Is(err, apperr.ErrForbidden) {
		kind = "forbidden"
	}
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, gin.H{
		"error":   string(kind),
		"message": apperr.Message(err),
	})
}

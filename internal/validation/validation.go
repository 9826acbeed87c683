// Package validation provides input validation for transaction payloads.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txfeatures/internal/txn"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for identifier fields
const MaxStringLength = 256

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, removes null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
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
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// NonNegative checks that an integer field is >= 0
func NonNegative(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// Event checks the fields an event needs to be placed in history. Other
// fields are lenient: missing or malformed values only degrade features.
func Event(ev txn.Event) ValidationErrors {
	return Validate(
		Required(txn.FieldEntity, ev.Entity),
		MaxLength(txn.FieldEntity, ev.Entity, MaxStringLength),
		MaxLength(txn.FieldTxnID, ev.TxnID, MaxStringLength),
		MaxLength(txn.FieldMerchant, ev.Merchant, MaxStringLength),
		MaxLength(txn.FieldCategory, ev.Category, MaxStringLength),
		NonNegative(txn.FieldTimestamp, ev.Timestamp),
	)
}

// Sanitize trims the identifier fields of ev.
func Sanitize(ev txn.Event) txn.Event {
	ev.Entity = SanitizeString(ev.Entity, MaxStringLength+1)
	ev.TxnID = SanitizeString(ev.TxnID, MaxStringLength+1)
	ev.Merchant = SanitizeString(ev.Merchant, MaxStringLength+1)
	ev.Category = SanitizeString(ev.Category, MaxStringLength+1)
	return ev
}

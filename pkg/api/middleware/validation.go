package middleware

import (
	"math/rand/v2"
	"net/http"

	"github.com/gin-gonic/gin"

	"contentctl/pkg/models"
)

// ValidatorConfig holds request validation limits for job enqueue requests.
type ValidatorConfig struct {
	MaxBodySize     int64 // Maximum request body size in bytes
	MaxStoreIDLen   int   // Maximum store_id length
	MaxPayloadBytes int   // Maximum encoded payload size
}

// DefaultValidatorConfig returns safe defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:     1 << 20, // 1MB
		MaxStoreIDLen:   64,
		MaxPayloadBytes: 256 * 1024,
	}
}

// Validator performs request validation for job enqueue requests.
type Validator struct {
	config ValidatorConfig
}

// NewValidator creates a new validator with the given config.
func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateJobType checks that t is one of the enumerated job types.
func (v *Validator) ValidateJobType(t models.JobType) error {
	if !models.IsValidJobType(t) {
		return &ValidationError{Field: "type", Message: "invalid job type"}
	}
	return nil
}

// ValidateStoreID checks store_id is present and within length limits.
func (v *Validator) ValidateStoreID(storeID string) error {
	if storeID == "" {
		return &ValidationError{Field: "store_id", Message: "store_id is required"}
	}
	if len(storeID) > v.config.MaxStoreIDLen {
		return &ValidationError{Field: "store_id", Message: "store_id exceeds maximum length"}
	}
	return nil
}

// ValidatePayloadSize checks an already-encoded payload against the
// configured size ceiling, mirroring dbbatch's own per-operation limit.
func (v *Validator) ValidatePayloadSize(encoded []byte) error {
	if len(encoded) > v.config.MaxPayloadBytes {
		return &ValidationError{Field: "payload", Message: "payload exceeds maximum size"}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")
		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")
		// Enable XSS filter
		c.Header("X-XSS-Protection", "1; mode=block")
		// Strict Transport Security (enable in production with HTTPS)
		// c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		
		c.Next()
	}
}

// RequestIDMiddleware adds request ID for tracing
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// generateRequestID creates a simple request ID
func generateRequestID() string {
	// Simple implementation - in production use UUID or similar
	return "req-" + randomString(16)
}

// randomString generates a random alphanumeric string
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

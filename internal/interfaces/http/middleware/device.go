// Package middleware provides HTTP middleware for the receipt authority.
package middleware

import (
	"regexp"

	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/gin-gonic/gin"
)

const (
	// DeviceIDHeader identifies the device replaying a write
	DeviceIDHeader = "X-Device-ID"
	// MaxDeviceIDLength bounds header values copied into logs and spans
	MaxDeviceIDLength = 64

	deviceIDKey = "device_id"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// DeviceID copies a well-formed X-Device-ID header into the gin context and
// the request context, so request logs and spans carry it. Malformed values
// are dropped.
func DeviceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(DeviceIDHeader); isValidDeviceID(id) {
			c.Set(deviceIDKey, id)
			c.Request = c.Request.WithContext(logger.WithDeviceID(c.Request.Context(), id))
		}
		c.Next()
	}
}

// GetDeviceID returns the device id stored by DeviceID, or ""
func GetDeviceID(c *gin.Context) string {
	return c.GetString(deviceIDKey)
}

func isValidDeviceID(id string) bool {
	return id != "" && len(id) <= MaxDeviceIDLength && deviceIDPattern.MatchString(id)
}

// requestID returns the id assigned by logger.GinMiddleware, falling back to
// the raw header when that middleware is not installed
func requestID(c *gin.Context) string {
	if id := logger.GetRequestID(c.Request.Context()); id != "" {
		return id
	}
	id := c.GetHeader(logger.RequestIDHeader)
	if len(id) > MaxRequestIDLength {
		return id[:MaxRequestIDLength]
	}
	return id
}

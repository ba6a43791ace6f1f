package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ContextDeviceID is the gin context key under which the middleware stores
// the device id of the authenticated caller.
const ContextDeviceID = "auth_device_id"

// Verifier maps bearer tokens to device ids. Verification compares the
// presented token against every known token so lookup time does not depend
// on which token matched.
type Verifier struct {
	tokens map[string]string
}

// ParseDeviceTokens parses a comma-separated "token:device_id" list.
// Entries without a colon, or with an empty token or device id, are
// skipped with a warning. An empty result is an error since the server
// would reject every request.
func ParseDeviceTokens(raw string, log *zap.Logger) (*Verifier, error) {
	tokens := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, deviceID, ok := strings.Cut(entry, ":")
		if !ok {
			log.Warn("skipping malformed device token entry, expected token:device_id")
			continue
		}
		token = strings.TrimSpace(token)
		deviceID = strings.TrimSpace(deviceID)
		if token == "" || deviceID == "" {
			log.Warn("skipping device token entry with empty token or device id")
			continue
		}
		tokens[token] = deviceID
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("DEVICE_TOKENS contains no usable token:device_id entries")
	}
	return &Verifier{tokens: tokens}, nil
}

// Verify returns the device id for the given token. Every registered token
// is compared in constant time regardless of an earlier match.
func (v *Verifier) Verify(presented string) (string, bool) {
	deviceID := ""
	found := false
	for token, dev := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
			deviceID = dev
			found = true
		}
	}
	return deviceID, found
}

// Middleware authenticates requests via the Authorization header and stores
// the resolved device id in the context.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Missing authorization credentials.",
			})
			return
		}

		deviceID, found := v.Verify(token)
		if !found {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Invalid or expired token.",
			})
			return
		}

		c.Set(ContextDeviceID, deviceID)
		c.Next()
	}
}

// DeviceID returns the authenticated device id stored by Middleware.
func DeviceID(c *gin.Context) string {
	id, _ := c.Get(ContextDeviceID)
	s, _ := id.(string)
	return s
}

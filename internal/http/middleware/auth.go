// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's identity. The backend sits behind a
// frontend that authenticates users with Supabase; by the time a request
// reaches us, identity arrives either as a bearer token whose subject the
// edge already verified, or (in development and tests) as a plain X-User-ID
// header. The middleware normalizes both into the "userID" context value
// that every handler and downstream middleware keys on.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ctxKeyUserID is the Gin context key carrying the caller's identity.
const ctxKeyUserID = "userID"

// UserID returns the authenticated user id stored by RequireUser.
// The second return value indicates presence.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyUserID)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// RequireUser extracts the caller identity and rejects anonymous requests
// with 401. Identity sources, in order:
//
//  1. X-User-ID header (development and tests)
//  2. Authorization: Bearer <token>, the opaque token subject as forwarded
//     by the authenticating edge
//
// Routes that must stay anonymous (health, metrics, payment webhooks) are
// simply not wrapped with this middleware.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if uid == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				uid = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "unauthorized",
				"message":    "authentication required",
			})
			return
		}
		c.Set(ctxKeyUserID, uid)
		c.Next()
	}
}

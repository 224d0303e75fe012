package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// CacheControl lets the browser keep a response for maxAge. Uploads identify
// candidates and are served per bearer token, so shared caches must not keep
// them and the entry varies on Authorization.
func CacheControl(maxAge time.Duration) gin.HandlerFunc {
	value := "private, max-age=" + strconv.Itoa(int(maxAge/time.Second))
	return func(c *gin.Context) {
		c.Header("Cache-Control", value)
		c.Header("Vary", "Authorization")
		c.Next()
	}
}

// NoStore disables caching of live session state.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}

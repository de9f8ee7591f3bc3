package middlewares

import (
	"net/http"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the token header through Redis and stashes the
// session identity in the request context. Requests without a token pass
// through; permission checks reject them later.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

package middlewares

import (
	"net/http"

	"github.com/channelworks/crm_backend/models"
	"github.com/channelworks/crm_backend/utils"
	"github.com/gin-gonic/gin"
)

// RequirePermission loads the session user, stashes the tenant identity in
// the request context, and rejects the request unless the user's role grants
// the permission code. Rejections happen before any side effects.
func RequirePermission(code string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		username, ok := utils.GetUsernameFromContext(ctx)
		if !ok || username == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		user, err := models.GetUserByUsername(ctx, username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if user.IsActive != nil && !*user.IsActive {
			c.JSON(http.StatusForbidden, gin.H{"error": "user is deactivated"})
			c.Abort()
			return
		}

		ctx = utils.SetTenantIdInContext(ctx, user.TenantId)
		ctx = utils.SetUserIdInContext(ctx, user.ID)
		ctx = utils.SetUserNameInContext(ctx, user.Name)
		ctx = utils.SetIsAdminInContext(ctx, user.IsAdmin)
		c.Request = c.Request.WithContext(ctx)

		if user.IsAdmin {
			c.Next()
			return
		}
		allowed, err := models.UserHasPermission(ctx, user, code)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not verify permissions"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			c.Abort()
			return
		}
		c.Next()
	}
}

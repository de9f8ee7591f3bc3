package handlers

import (
	"net/http"

	"github.com/channelworks/crm_backend/models"
	"github.com/channelworks/crm_backend/utils"
	"github.com/gin-gonic/gin"
)

func GetRolesHandler(c *gin.Context) {
	roles, err := models.GetRoles(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, roles)
}

func CreateRoleHandler(c *gin.Context) {
	var input models.NewRole
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	role, err := models.CreateRole(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, role)
}

func UpdateRoleHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input models.NewRole
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	role, err := models.UpdateRole(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, role)
}

func GetUsersHandler(c *gin.Context) {
	users, err := models.GetUsers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func CreateUserHandler(c *gin.Context) {
	var input models.NewUser
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	user, err := models.CreateUser(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	user.PrepareGive()
	c.JSON(http.StatusCreated, user)
}

func UpdateUserHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input models.NewUser
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	user, err := models.UpdateUser(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	user.PrepareGive()
	c.JSON(http.StatusOK, user)
}

func GetTenantSettingsHandler(c *gin.Context) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	tenant, err := models.GetTenantById(c.Request.Context(), tenantId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func UpdateTenantSettingsHandler(c *gin.Context) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var input models.UpdateTenantSettings
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	tenant, err := models.UpdateTenant(c.Request.Context(), tenantId, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func GetAuditLogsHandler(c *gin.Context) {
	var referenceType, eventType *string
	if raw := c.Query("reference_type"); raw != "" {
		referenceType = &raw
	}
	if raw := c.Query("event_type"); raw != "" {
		eventType = &raw
	}
	logs, err := models.GetAuditLogs(c.Request.Context(), referenceType, queryInt(c, "reference_id"), eventType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

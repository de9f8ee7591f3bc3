package handlers

import (
	"net/http"

	"github.com/channelworks/crm_backend/models"
	"github.com/gin-gonic/gin"
)

func GetTemplatesHandler(c *gin.Context) {
	templates, err := models.GetReconciliationTemplates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, templates)
}

func CreateTemplateHandler(c *gin.Context) {
	var input models.NewReconciliationTemplate
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	template, err := models.CreateReconciliationTemplate(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, template)
}

func UpdateTemplateHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input models.UpdateReconciliationTemplateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	template, err := models.UpdateReconciliationTemplate(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, template)
}

// ResolveMappingHandler previews the mapping the importer would use for a
// distributor+vendor pair, seeding from the reference catalog when needed.
func ResolveMappingHandler(c *gin.Context) {
	distributorId := queryInt(c, "distributor_account_id")
	vendorId := queryInt(c, "vendor_account_id")
	if distributorId == nil || vendorId == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "distributor_account_id and vendor_account_id are required"})
		return
	}
	mapping, err := models.ResolveDepositMapping(c.Request.Context(), *distributorId, *vendorId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mapping":        mapping,
		"missing_fields": mapping.MissingRequiredFields(),
	})
}

package handlers

import (
	"net/http"

	"github.com/channelworks/crm_backend/models"
	"github.com/gin-gonic/gin"
)

func GetFlexReviewHandler(c *gin.Context) {
	var status *models.FlexReviewStatus
	if raw := c.Query("status"); raw != "" {
		s := models.FlexReviewStatus(raw)
		status = &s
	}
	items, err := models.GetFlexReviewItems(c.Request.Context(), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

type assignFlexRequest struct {
	UserId int `json:"user_id" binding:"required"`
}

func AssignFlexReviewHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req assignFlexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	item, err := models.AssignFlexReview(c.Request.Context(), id, req.UserId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func ApproveFlexReviewHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	item, err := models.ApproveAndApplyFlexReview(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type resolveFlexRequest struct {
	Rejected bool   `json:"rejected"`
	Notes    string `json:"notes"`
}

func ResolveFlexReviewHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req resolveFlexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	item, err := models.ResolveFlexReview(c.Request.Context(), id, req.Rejected, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

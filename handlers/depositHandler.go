package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/channelworks/crm_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// maxImportFileSize caps uploaded deposit files at 20 MB.
const maxImportFileSize = 20 << 20

// ImportDepositHandler accepts a multipart form: file, account_id,
// distributor_account_id, vendor_account_id, optional commission_period and a
// mapping JSON overriding the resolved template.
func ImportDepositHandler(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > maxImportFileSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds the 20MB limit"})
		return
	}

	input := models.ImportDepositInput{
		FileName:         fileHeader.Filename,
		CommissionPeriod: c.PostForm("commission_period"),
	}
	var bad []string
	for name, target := range map[string]*int{
		"account_id":             &input.AccountId,
		"distributor_account_id": &input.DistributorAccountId,
		"vendor_account_id":      &input.VendorAccountId,
	} {
		value, err := strconv.Atoi(c.PostForm(name))
		if err != nil || value <= 0 {
			bad = append(bad, name)
			continue
		}
		*target = value
	}
	if len(bad) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid form fields", "fields": bad})
		return
	}

	if raw := c.PostForm("mapping"); raw != "" {
		var mapping models.DepositMappingConfig
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mapping is not valid JSON"})
			return
		}
		input.Mapping = &mapping
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded file"})
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded file"})
		return
	}

	deposit, job, err := models.ImportDeposit(c.Request.Context(), &input, content)
	if err != nil {
		if job != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "import_job": job})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deposit": deposit, "import_job": job})
}

func GetDepositsHandler(c *gin.Context) {
	var status *models.DepositStatus
	if raw := c.Query("status"); raw != "" {
		s := models.DepositStatus(raw)
		status = &s
	}
	deposits, err := models.GetDeposits(c.Request.Context(), queryInt(c, "account_id"), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deposits)
}

func GetDepositHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	deposit, err := models.GetDepositById(c.Request.Context(), id, true)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deposit)
}

func PreviewAutoMatchHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	previews, err := models.PreviewAutoMatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auto_match_candidates": previews})
}

func ApplyAutoMatchHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	result, err := models.ApplyAutoMatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type manualMatchRequest struct {
	RevenueScheduleId int              `json:"revenue_schedule_id" binding:"required"`
	Usage             *decimal.Decimal `json:"usage"`
	Commission        *decimal.Decimal `json:"commission"`
}

func ManualMatchHandler(c *gin.Context) {
	depositId, ok := pathId(c, "id")
	if !ok {
		return
	}
	lineId, ok := pathId(c, "lineId")
	if !ok {
		return
	}
	var req manualMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := models.ApplyManualMatch(c.Request.Context(), depositId, lineId, req.RevenueScheduleId, req.Usage, req.Commission); err != nil {
		respondError(c, err)
		return
	}
	line, err := models.GetDepositLineItemById(c.Request.Context(), lineId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func UnmatchLineItemHandler(c *gin.Context) {
	depositId, ok := pathId(c, "id")
	if !ok {
		return
	}
	lineId, ok := pathId(c, "lineId")
	if !ok {
		return
	}
	if err := models.UnmatchLineItem(c.Request.Context(), depositId, lineId); err != nil {
		respondError(c, err)
		return
	}
	line, err := models.GetDepositLineItemById(c.Request.Context(), lineId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func FinalizeDepositHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	deposit, err := models.FinalizeDeposit(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deposit)
}

func GetLineMatchesHandler(c *gin.Context) {
	lineId, ok := pathId(c, "lineId")
	if !ok {
		return
	}
	matches, err := models.GetLineMatches(c.Request.Context(), lineId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, matches)
}

func GetImportJobsHandler(c *gin.Context) {
	jobs, err := models.GetImportJobs(c.Request.Context(), queryInt(c, "deposit_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

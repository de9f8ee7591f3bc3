package handlers

import (
	"net/http"

	"github.com/channelworks/crm_backend/models"
	"github.com/gin-gonic/gin"
)

func GetAccountsHandler(c *gin.Context) {
	var name *string
	if raw := c.Query("name"); raw != "" {
		name = &raw
	}
	accounts, err := models.GetAccounts(c.Request.Context(), name,
		c.Query("vendor") == "true", c.Query("distributor") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func CreateAccountHandler(c *gin.Context) {
	var input models.NewAccount
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	account, err := models.CreateAccount(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func BulkReassignAccountsHandler(c *gin.Context) {
	var input models.BulkReassignInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	result, err := models.BulkReassignAccounts(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func GetContactsHandler(c *gin.Context) {
	contacts, err := models.GetContacts(c.Request.Context(), queryInt(c, "account_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contacts)
}

func CreateContactHandler(c *gin.Context) {
	var input models.NewContact
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	contact, err := models.CreateContact(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func GetOpportunitiesHandler(c *gin.Context) {
	opportunities, err := models.GetOpportunities(c.Request.Context(), queryInt(c, "account_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, opportunities)
}

func CreateOpportunityHandler(c *gin.Context) {
	var input models.NewOpportunity
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	opportunity, err := models.CreateOpportunity(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, opportunity)
}

func GetProductsHandler(c *gin.Context) {
	var name *string
	if raw := c.Query("name"); raw != "" {
		name = &raw
	}
	products, err := models.GetProducts(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func CreateProductHandler(c *gin.Context) {
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	product, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func GetRevenueSchedulesHandler(c *gin.Context) {
	var reconciled *bool
	if raw := c.Query("reconciled"); raw != "" {
		value := raw == "true"
		reconciled = &value
	}
	schedules, err := models.GetRevenueSchedules(c.Request.Context(), queryInt(c, "account_id"), reconciled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedules)
}

func CreateRevenueScheduleHandler(c *gin.Context) {
	var input models.NewRevenueSchedule
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	schedule, err := models.CreateRevenueSchedule(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

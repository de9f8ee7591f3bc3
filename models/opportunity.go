package models

import (
	"context"
	"errors"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"github.com/shopspring/decimal"
)

type OpportunityStage string

const (
	OpportunityStageProspecting OpportunityStage = "Prospecting"
	OpportunityStageProposal    OpportunityStage = "Proposal"
	OpportunityStageClosedWon   OpportunityStage = "ClosedWon"
	OpportunityStageClosedLost  OpportunityStage = "ClosedLost"
)

type Opportunity struct {
	ID         int                  `gorm:"primary_key" json:"id"`
	TenantId   string               `gorm:"index;not null" json:"tenant_id"`
	AccountId  int                  `gorm:"index;not null" json:"account_id" binding:"required"`
	Name       string               `gorm:"size:255;not null" json:"name" binding:"required"`
	Stage      OpportunityStage     `gorm:"type:enum('Prospecting','Proposal','ClosedWon','ClosedLost');default:Prospecting" json:"stage"`
	CloseDate  *time.Time           `json:"close_date"`
	Amount     decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Products   []OpportunityProduct `json:"products"`
	CreatedAt  time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// OpportunityProduct links an opportunity line to a product. Its id is the
// highest-priority scope key for revenue schedule matching.
type OpportunityProduct struct {
	ID              int             `gorm:"primary_key" json:"id"`
	TenantId        string          `gorm:"index;not null" json:"tenant_id"`
	OpportunityId   int             `gorm:"index;not null" json:"opportunity_id"`
	ProductId       int             `gorm:"index;not null" json:"product_id"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"quantity"`
	ExpectedRevenue decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"expected_revenue"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOpportunity struct {
	AccountId int                      `json:"account_id" binding:"required"`
	Name      string                   `json:"name" binding:"required"`
	Stage     OpportunityStage         `json:"stage"`
	CloseDate *time.Time               `json:"close_date"`
	Amount    decimal.Decimal          `json:"amount"`
	Products  []NewOpportunityProduct  `json:"products"`
}

type NewOpportunityProduct struct {
	ProductId       int             `json:"product_id" binding:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	ExpectedRevenue decimal.Decimal `json:"expected_revenue"`
}

func CreateOpportunity(ctx context.Context, input *NewOpportunity) (*Opportunity, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Account](ctx, tenantId, input.AccountId); err != nil {
		return nil, errors.New("account not found")
	}
	for _, p := range input.Products {
		if err := utils.ValidateResourceId[Product](ctx, tenantId, p.ProductId); err != nil {
			return nil, errors.New("product not found")
		}
	}

	stage := input.Stage
	if stage == "" {
		stage = OpportunityStageProspecting
	}

	opp := Opportunity{
		TenantId:  tenantId,
		AccountId: input.AccountId,
		Name:      input.Name,
		Stage:     stage,
		CloseDate: input.CloseDate,
		Amount:    input.Amount,
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.Create(&opp).Error; err != nil {
		return nil, err
	}
	for _, p := range input.Products {
		qty := p.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		op := OpportunityProduct{
			TenantId:        tenantId,
			OpportunityId:   opp.ID,
			ProductId:       p.ProductId,
			Quantity:        qty,
			ExpectedRevenue: p.ExpectedRevenue,
		}
		if err := tx.Create(&op).Error; err != nil {
			return nil, err
		}
		opp.Products = append(opp.Products, op)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &opp, nil
}

func GetOpportunities(ctx context.Context, accountId *int) ([]*Opportunity, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if accountId != nil && *accountId > 0 {
		dbCtx = dbCtx.Where("account_id = ?", *accountId)
	}
	var opps []*Opportunity
	if err := dbCtx.Preload("Products").Order("created_at DESC").Find(&opps).Error; err != nil {
		return nil, err
	}
	return opps, nil
}

package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
)

type Contact struct {
	ID        int       `gorm:"primary_key" json:"id"`
	TenantId  string    `gorm:"index;not null" json:"tenant_id"`
	AccountId int       `gorm:"index;not null" json:"account_id" binding:"required"`
	FirstName string    `gorm:"size:100;not null" json:"first_name" binding:"required"`
	LastName  string    `gorm:"size:100" json:"last_name"`
	Email     string    `gorm:"size:100" json:"email"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Title     string    `gorm:"size:100" json:"title"`
	IsPrimary bool      `gorm:"default:false" json:"is_primary"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewContact struct {
	AccountId int    `json:"account_id" binding:"required"`
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name"`
	Email     string `json:"email" binding:"omitempty,email"`
	Phone     string `json:"phone"`
	// PhoneCountry is the ISO region used to validate Phone. Defaults to US.
	PhoneCountry string `json:"phone_country"`
	Title        string `json:"title"`
	IsPrimary    bool   `json:"is_primary"`
}

func CreateContact(ctx context.Context, input *NewContact) (*Contact, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Account](ctx, tenantId, input.AccountId); err != nil {
		return nil, errors.New("account not found")
	}
	if input.Phone != "" {
		country := input.PhoneCountry
		if country == "" {
			country = "US"
		}
		if err := utils.ValidatePhoneNumber(input.Phone, country); err != nil {
			return nil, fmt.Errorf("invalid phone number: %v", err)
		}
	}

	contact := Contact{
		TenantId:  tenantId,
		AccountId: input.AccountId,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Email:     input.Email,
		Phone:     input.Phone,
		Title:     input.Title,
		IsPrimary: input.IsPrimary,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&contact).Error; err != nil {
		return nil, err
	}
	return &contact, nil
}

func GetContacts(ctx context.Context, accountId *int) ([]*Contact, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if accountId != nil && *accountId > 0 {
		dbCtx = dbCtx.Where("account_id = ?", *accountId)
	}
	var contacts []*Contact
	if err := dbCtx.Order("last_name, first_name").Find(&contacts).Error; err != nil {
		return nil, err
	}
	return contacts, nil
}

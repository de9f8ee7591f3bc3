package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"gorm.io/gorm"
)

// AuditLog is append-only. Rows are written inside the same transaction as the
// mutation they describe and are never updated or deleted.
type AuditLog struct {
	ID            int            `gorm:"primary_key" json:"id"`
	TenantId      string         `gorm:"index;not null" json:"tenant_id"`
	EventType     AuditEventType `gorm:"size:50;not null;index" json:"event_type"`
	Before        string         `gorm:"type:text" json:"before"`
	After         string         `gorm:"type:text" json:"after"`
	Description   string         `gorm:"type:text;not null" json:"description"`
	ReferenceID   int            `gorm:"index" json:"reference_id"`
	ReferenceType string         `gorm:"size:255" json:"reference_type"`
	UserId        int            `gorm:"index;not null" json:"user_id"`
	UserName      string         `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func createAuditLog(tx *gorm.DB,
	eventType AuditEventType,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) (err error) {

	var entry AuditLog

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	ctx := tx.Statement.Context
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return errors.New("tenant id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return errors.New("user id is required")
	}
	userName, ok := utils.GetUserNameFromContext(ctx)
	if !ok {
		return errors.New("user name is required")
	}

	entry.TenantId = tenantId
	entry.EventType = eventType
	entry.Before = string(b)
	entry.After = string(a)
	entry.Description = description
	entry.ReferenceID = referenceId
	entry.ReferenceType = referenceType
	entry.UserId = userId
	entry.UserName = userName

	err = tx.Create(&entry).Error
	return err
}

// SaveAudit writes a previous/new-value snapshot for a mutation, inside the
// caller's transaction.
func SaveAudit(tx *gorm.DB, eventType AuditEventType, referenceId int, referenceType string, before interface{}, after interface{}, description string) error {
	return createAuditLog(tx, eventType, referenceId, referenceType, before, after, description)
}

func GetAuditLogs(ctx context.Context, referenceType *string, referenceId *int, eventType *string) ([]*AuditLog, error) {

	db := config.GetDB()
	var results []*AuditLog

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if referenceType != nil && len(*referenceType) > 0 {
		dbCtx = dbCtx.Where("reference_type = ?", referenceType)
	}
	if referenceId != nil && *referenceId > 0 {
		dbCtx = dbCtx.Where("reference_id = ?", referenceId)
	}
	if eventType != nil && len(*eventType) > 0 {
		dbCtx = dbCtx.Where("event_type = ?", eventType)
	}
	err := dbCtx.Order("created_at DESC").Limit(500).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

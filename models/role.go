package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"gorm.io/gorm"
)

type Role struct {
	ID       int    `gorm:"primary_key" json:"id"`
	TenantId string `gorm:"index;not null" json:"tenant_id"`
	Name     string `gorm:"size:100;not null" json:"name" binding:"required"`

	// Permissions is a comma-joined list of permission codes
	// (e.g. "reconciliation.view,reconciliation.manage").
	Permissions string `gorm:"type:text" json:"permissions"`

	IsSystem  bool      `gorm:"default:false" json:"is_system"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRole struct {
	Name        string   `json:"name" binding:"required"`
	Permissions []string `json:"permissions" binding:"required"`
}

func (r *Role) PermissionList() []string {
	if strings.TrimSpace(r.Permissions) == "" {
		return nil
	}
	parts := strings.Split(r.Permissions, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *Role) HasPermission(code string) bool {
	for _, p := range r.PermissionList() {
		if p == code {
			return true
		}
	}
	return false
}

var validPermissionCodes = map[string]bool{
	PermReconciliationView:   true,
	PermReconciliationManage: true,
	PermCrmView:              true,
	PermCrmManage:            true,
	PermAdminManage:          true,
}

func validatePermissionCodes(codes []string) error {
	for _, code := range codes {
		if !validPermissionCodes[code] {
			return errors.New("invalid permission code: " + code)
		}
	}
	return nil
}

func seedDefaultRoles(tx *gorm.DB, ctx context.Context, tenantId string) error {
	defaults := []Role{
		{
			TenantId: tenantId,
			Name:     "Administrator",
			Permissions: strings.Join([]string{
				PermReconciliationView, PermReconciliationManage,
				PermCrmView, PermCrmManage, PermAdminManage,
			}, ","),
			IsSystem: true,
		},
		{
			TenantId: tenantId,
			Name:     "Reconciliation Manager",
			Permissions: strings.Join([]string{
				PermReconciliationView, PermReconciliationManage, PermCrmView,
			}, ","),
			IsSystem: true,
		},
		{
			TenantId:    tenantId,
			Name:        "Viewer",
			Permissions: strings.Join([]string{PermReconciliationView, PermCrmView}, ","),
			IsSystem:    true,
		},
	}
	for i := range defaults {
		if err := tx.WithContext(ctx).Create(&defaults[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func CreateRole(ctx context.Context, input *NewRole) (*Role, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	if err := validatePermissionCodes(input.Permissions); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[Role](ctx, tenantId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	role := Role{
		TenantId:    tenantId,
		Name:        input.Name,
		Permissions: strings.Join(input.Permissions, ","),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&role).Error; err != nil {
		return nil, err
	}
	return &role, nil
}

func UpdateRole(ctx context.Context, id int, input *NewRole) (*Role, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	if err := validatePermissionCodes(input.Permissions); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var role Role
	if err := db.WithContext(ctx).First(&role, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if role.IsSystem {
		return nil, errors.New("system roles cannot be edited")
	}

	role.Name = input.Name
	role.Permissions = strings.Join(input.Permissions, ",")
	if err := db.WithContext(ctx).Save(&role).Error; err != nil {
		return nil, err
	}

	// role permissions are cached per user; invalidate the whole tenant set
	if err := invalidateRoleCaches(ctx, tenantId, role.ID); err != nil {
		return nil, err
	}
	return &role, nil
}

func GetRoles(ctx context.Context) ([]*Role, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	var roles []*Role
	if err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).Order("name").Find(&roles).Error; err != nil {
		return nil, err
	}
	return roles, nil
}

func GetRoleById(ctx context.Context, id int) (*Role, error) {
	db := config.GetDB()
	var role Role
	if err := db.WithContext(ctx).First(&role, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &role, nil
}

func invalidateRoleCaches(ctx context.Context, tenantId string, roleId int) error {
	db := config.GetDB()
	var usernames []string
	if err := db.WithContext(ctx).Model(&User{}).
		Where("tenant_id = ? AND role_id = ?", tenantId, roleId).
		Pluck("username", &usernames).Error; err != nil {
		return err
	}
	for _, username := range usernames {
		if err := config.RemoveRedisKey("User:" + username); err != nil {
			return err
		}
	}
	return nil
}

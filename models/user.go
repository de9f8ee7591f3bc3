package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	TenantId  string    `gorm:"index" json:"tenant_id"`
	Username  string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email     *string   `gorm:"size:100;unique" json:"email"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Password  string    `gorm:"size:255;not null" json:"password"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	RoleId    int       `gorm:"not null;default:0" json:"role_id"`
	IsAdmin   bool      `gorm:"default:false" json:"is_admin"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username string `json:"username" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password" binding:"required"`
	IsActive *bool  `json:"is_active" binding:"required"`
	RoleId   int    `json:"role_id" binding:"required"`
}

/*
caches:
	User:$username
	Token:$token -> username
	Tokens:$username (set)
*/

func (user User) RemoveInstanceRedis() error {
	if err := config.RemoveRedisKey("User:" + user.Username); err != nil {
		return err
	}
	return nil
}

func (result *User) PrepareGive() {
	result.Password = ""
}

type LoginInfo struct {
	Token       string   `json:"token"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	TenantId    string   `json:"tenant_id"`
	TenantName  string   `json:"tenant_name"`
	Timezone    string   `json:"timezone"`
}

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {

	db := config.GetDB()
	var err error
	var result LoginInfo

	user := User{}

	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return &result, err
	}
	if !exists {
		err = db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error
		if err != nil {
			return &result, errors.New("invalid username or password")
		}
	}

	err = utils.ComparePassword(user.Password, password)
	if err != nil && err == bcrypt.ErrMismatchedHashAndPassword {
		return &result, errors.New("invalid username or password")
	}

	isActive := *user.IsActive
	if !isActive {
		return &result, errors.New("user is disabled")
	}

	token := uuid.New()
	result.Token = token.String()
	result.Name = user.Name
	result.TenantId = user.TenantId

	if user.IsAdmin {
		result.Role = "Admin"
	} else {
		var userRole Role
		if err := db.WithContext(ctx).Model(&Role{}).Where("id = ?", user.RoleId).First(&userRole).Error; err != nil {
			return nil, err
		}
		result.Role = userRole.Name
		result.Permissions = userRole.PermissionList()

		tenant, err := GetTenantById(ctx, user.TenantId)
		if err != nil {
			return nil, err
		}
		result.TenantName = tenant.Name
		result.Timezone = tenant.Timezone
	}

	// cache session + user for the middleware chain
	if err := config.SetRedisValue("Token:"+result.Token, username, 24*time.Hour); err != nil {
		return nil, err
	}
	if err := config.AddRedisSet("Tokens:"+username, result.Token); err != nil {
		return nil, err
	}
	if err := config.SetRedisObject("User:"+username, &user, 0); err != nil {
		return nil, err
	}

	return &result, nil
}

// destroy current session
func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("token is required")
	}
	err := config.RemoveRedisKey("Token:" + fmt.Sprint(token))
	if err != nil {
		return false, nil
	}
	// remove current token from tokens list
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return false, errors.New("user not found")
	}
	if err := config.RemoveRedisSetMember("Tokens:"+username, token); err != nil {
		return false, err
	}
	return true, nil
}

// GetUserByUsername loads a user, redis first, db fallback.
func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if exists {
		return &user, nil
	}

	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := config.SetRedisObject("User:"+username, &user, 0); err != nil {
		return nil, err
	}
	return &user, nil
}

// UserHasPermission resolves the user's role and checks a permission code.
// Platform admins pass every check.
func UserHasPermission(ctx context.Context, user *User, code string) (bool, error) {
	if user.IsAdmin {
		return true, nil
	}
	if user.RoleId == 0 {
		return false, nil
	}
	role, err := GetRoleById(ctx, user.RoleId)
	if err != nil {
		return false, err
	}
	return role.HasPermission(code), nil
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	if err := utils.ValidateResourceId[Role](ctx, tenantId, input.RoleId); err != nil {
		return nil, errors.New("role not found")
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := User{
		TenantId: tenantId,
		Username: input.Username,
		Name:     input.Name,
		Email:    utils.NilIfEmpty(input.Email),
		Phone:    input.Phone,
		Password: string(hashed),
		IsActive: input.IsActive,
		RoleId:   input.RoleId,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	user.PrepareGive()
	return &user, nil
}

func UpdateUser(ctx context.Context, id int, input *NewUser) (*User, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	if input.RoleId != user.RoleId {
		if err := utils.ValidateResourceId[Role](ctx, tenantId, input.RoleId); err != nil {
			return nil, errors.New("role not found")
		}
	}

	user.Name = input.Name
	user.Email = utils.NilIfEmpty(input.Email)
	user.Phone = input.Phone
	user.IsActive = input.IsActive
	user.RoleId = input.RoleId
	if input.Password != "" {
		hashed, err := utils.HashPassword(input.Password)
		if err != nil {
			return nil, err
		}
		user.Password = string(hashed)
	}

	if err := db.WithContext(ctx).Save(&user).Error; err != nil {
		return nil, err
	}
	if err := user.RemoveInstanceRedis(); err != nil {
		return nil, err
	}
	user.PrepareGive()
	return &user, nil
}

func GetUsers(ctx context.Context) ([]*User, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	var users []*User
	if err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		u.PrepareGive()
	}
	return users, nil
}

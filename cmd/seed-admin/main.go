// seed-admin bootstraps a tenant with its default roles and an administrator
// user.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-admin -tenant "Acme Channel" -username acmeAdmin -password 'secret'
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/models"
	"github.com/channelworks/crm_backend/utils"
	"gorm.io/gorm"
)

func main() {
	tenantName := flag.String("tenant", "", "Tenant name to create or reuse (required)")
	timezone := flag.String("timezone", "UTC", "Tenant timezone")
	username := flag.String("username", "admin", "Admin username")
	password := flag.String("password", "", "Admin password (required)")
	name := flag.String("name", "Administrator", "Admin display name")
	flag.Parse()

	if strings.TrimSpace(*tenantName) == "" || strings.TrimSpace(*password) == "" {
		fmt.Fprintln(os.Stderr, "-tenant and -password are required")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	var tenant models.Tenant
	err := db.WithContext(ctx).Where("name = ?", strings.TrimSpace(*tenantName)).First(&tenant).Error
	if err == gorm.ErrRecordNotFound {
		created, err := models.CreateTenant(ctx, &models.NewTenant{
			Name:     strings.TrimSpace(*tenantName),
			Timezone: *timezone,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create tenant: %v\n", err)
			os.Exit(1)
		}
		tenant = *created
		fmt.Printf("created tenant %s (%s)\n", tenant.Name, tenant.ID)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup tenant: %v\n", err)
		os.Exit(1)
	}

	tenantId := tenant.ID.String()
	ctx = utils.SetTenantIdInContext(ctx, tenantId)

	hashed, err := utils.HashPassword(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	var existing models.User
	err = db.WithContext(ctx).Where("username = ?", *username).First(&existing).Error
	if err == nil {
		existing.Password = string(hashed)
		existing.IsAdmin = true
		existing.TenantId = tenantId
		if err := db.WithContext(ctx).Save(&existing).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
			os.Exit(1)
		}
		_ = existing.RemoveInstanceRedis()
		fmt.Printf("updated admin user %q\n", existing.Username)
		return
	}
	if err != gorm.ErrRecordNotFound {
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	}

	user := models.User{
		TenantId: tenantId,
		Username: *username,
		Name:     *name,
		Password: string(hashed),
		IsActive: utils.NewTrue(),
		IsAdmin:  true,
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created admin user %q for tenant %s\n", user.Username, tenant.Name)
}

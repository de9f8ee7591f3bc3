package models

import (
	"log"

	"github.com/channelworks/crm_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Tenant{}, &Role{}, &User{},
		&Account{}, &Contact{},
		&Opportunity{}, &OpportunityProduct{}, &Product{},
		&RevenueSchedule{},
		&Deposit{}, &DepositLineItem{}, &DepositLineMatch{},
		&ReconciliationTemplate{}, &ReferenceTemplate{},
		&FlexReviewItem{}, &ImportJob{},
		&AuditLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

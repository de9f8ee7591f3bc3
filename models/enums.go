package models

import (
	"errors"
)

type DepositStatus string

const (
	DepositStatusOpen       DepositStatus = "Open"
	DepositStatusReconciled DepositStatus = "Reconciled"
)

type LineMatchStatus string

const (
	LineMatchStatusUnmatched  LineMatchStatus = "Unmatched"
	LineMatchStatusSuggested  LineMatchStatus = "Suggested"
	LineMatchStatusMatched    LineMatchStatus = "Matched"
	LineMatchStatusReconciled LineMatchStatus = "Reconciled"
)

type MatchSource string

const (
	MatchSourceExact  MatchSource = "Exact"
	MatchSourceFuzzy  MatchSource = "Fuzzy"
	MatchSourceAI     MatchSource = "AI"
	MatchSourceManual MatchSource = "Manual"
)

type MatchState string

const (
	MatchStateSuggested MatchState = "Suggested"
	MatchStateApplied   MatchState = "Applied"
	MatchStateRejected  MatchState = "Rejected"
)

type ScheduleType string

const (
	ScheduleTypeRecurring          ScheduleType = "Recurring"
	ScheduleTypeOneTime            ScheduleType = "OneTime"
	ScheduleTypeFlexChargeback     ScheduleType = "FlexChargeback"
	ScheduleTypeChargebackReversal ScheduleType = "ChargebackReversal"
)

// NeedsFlexReview reports whether schedules of this type must pass through the
// manual review queue instead of being auto-applied.
func (t ScheduleType) NeedsFlexReview() bool {
	return t == ScheduleTypeFlexChargeback || t == ScheduleTypeChargebackReversal
}

type FlexReviewStatus string

const (
	FlexReviewStatusOpen     FlexReviewStatus = "Open"
	FlexReviewStatusApproved FlexReviewStatus = "Approved"
	FlexReviewStatusResolved FlexReviewStatus = "Resolved"
	FlexReviewStatusRejected FlexReviewStatus = "Rejected"
)

type ImportJobStatus string

const (
	ImportJobStatusCompleted ImportJobStatus = "Completed"
	ImportJobStatusFailed    ImportJobStatus = "Failed"
)

// OwnerType replaces the legacy magic strings ("house", "unassigned") that
// used to stand in for user ids in ownership columns.
type OwnerType string

const (
	OwnerTypeUnassigned OwnerType = "Unassigned"
	OwnerTypeHouse      OwnerType = "House"
	OwnerTypeUser       OwnerType = "User"
)

// Owner is a tagged ownership value: Unassigned | House | User(id).
// Persisted as owner_type + owner_user_id columns.
type Owner struct {
	Type   OwnerType `json:"type"`
	UserId int       `json:"user_id,omitempty"`
}

func OwnerUnassigned() Owner     { return Owner{Type: OwnerTypeUnassigned} }
func OwnerHouse() Owner          { return Owner{Type: OwnerTypeHouse} }
func OwnerUser(userId int) Owner { return Owner{Type: OwnerTypeUser, UserId: userId} }

func (o Owner) Validate() error {
	switch o.Type {
	case OwnerTypeUnassigned, OwnerTypeHouse:
		if o.UserId != 0 {
			return errors.New("owner user id must be empty for " + string(o.Type))
		}
		return nil
	case OwnerTypeUser:
		if o.UserId <= 0 {
			return errors.New("owner user id is required")
		}
		return nil
	default:
		return errors.New("invalid owner type")
	}
}

type AuditEventType string

const (
	AuditEventDepositImported      AuditEventType = "DepositImported"
	AuditEventMatchApplied         AuditEventType = "MatchApplied"
	AuditEventMatchUnmatched       AuditEventType = "MatchUnmatched"
	AuditEventAllocationPropagated AuditEventType = "AllocationPropagated"
	AuditEventDepositFinalized     AuditEventType = "DepositFinalized"
	AuditEventFlexApproved         AuditEventType = "FlexApproved"
	AuditEventFlexResolved         AuditEventType = "FlexResolved"
	AuditEventFlexRejected         AuditEventType = "FlexRejected"
	AuditEventOwnerReassigned      AuditEventType = "OwnerReassigned"
	AuditEventTemplateSeeded       AuditEventType = "TemplateSeeded"
	AuditEventTemplateUpdated      AuditEventType = "TemplateUpdated"
)

// Permission codes checked by the permission middleware.
const (
	PermReconciliationView   = "reconciliation.view"
	PermReconciliationManage = "reconciliation.manage"
	PermCrmView              = "crm.view"
	PermCrmManage            = "crm.manage"
	PermAdminManage          = "admin.manage"
)

package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// Receipt statuses. A failed receipt is a first-class ledger entry, not
// an error path. Pending covers asynchronous settlement rails (echeck)
// where the provider accepts the transaction before funds move.
const (
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRefunded = "refunded"
	StatusVoided   = "voided"
)

// Receipt types. Refunds and voids are appended as corrections that
// reference the original entry; nothing is ever rewritten in place.
const (
	TypeRecurring = "recurring"
	TypeSetupFee  = "setup_fee"
	TypeRefund    = "refund"
	TypeVoid      = "void"
)

var (
	ErrReceiptNotFound  = errors.New("receipt_not_found")
	ErrDuplicateReceipt = errors.New("duplicate_receipt")
)

// Receipt is one immutable ledger entry. Plan and customer fields are
// denormalized at write time so the entry stays meaningful after the
// plan or account changes.
type Receipt struct {
	ID                     int64             `gorm:"primaryKey" json:"id"`
	TransactionID          string            `json:"transaction_id"`
	BillingAccountID       int64             `json:"billing_account_id"`
	UserID                 *int64            `json:"user_id,omitempty"`
	Status                 string            `json:"status"`
	Type                   string            `json:"type"`
	AmountCents            int64             `json:"amount_cents"`
	Currency               string            `json:"currency"`
	PlanID                 *int64            `json:"plan_id,omitempty"`
	PlanName               string            `json:"plan_name"`
	PlanPriceCents         int64             `json:"plan_price_cents"`
	PlanBillingCycle       string            `json:"plan_billing_cycle"`
	ProcessorName          string            `json:"processor_name"`
	ProcessorTransactionID string            `json:"processor_transaction_id"`
	ProcessorResponse      datatypes.JSONMap `json:"processor_response,omitempty"`
	CustomerEmail          string            `json:"customer_email"`
	CustomerName           string            `json:"customer_name"`
	CustomerPhone          string            `json:"customer_phone"`
	FailureReason          string            `json:"failure_reason,omitempty"`
	FailureCode            string            `json:"failure_code,omitempty"`
	TransactionDate        time.Time         `json:"transaction_date"`
	CreatedAt              time.Time         `json:"created_at"`
}

func (Receipt) TableName() string { return "receipts" }

// ListFilter narrows ledger queries. Zero values mean no constraint.
type ListFilter struct {
	BillingAccountID int64
	Status           string
	Type             string
	Limit            int
	Offset           int
}

// Ledger is the append-only receipt store. Implementations expose no
// update or delete.
type Ledger interface {
	Append(ctx context.Context, receipt Receipt) (Receipt, error)
	FindByTransactionID(ctx context.Context, transactionID string) (Receipt, error)
	List(ctx context.Context, filter ListFilter) ([]Receipt, error)
}

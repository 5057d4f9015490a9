package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// Account lifecycle states. Only active and trialing accounts are
// eligible for recurring charges; a declined charge suspends the
// account until its payment method is fixed.
const (
	StatusActive    = "active"
	StatusTrialing  = "trialing"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// Keys inside the per-provider payment_processor_data entries.
const (
	ProviderDataCustomerRef = "customer_ref"
	ProviderDataVaultToken  = "vault_token"
)

var (
	ErrAccountNotFound = errors.New("billing_account_not_found")
	ErrPayorNotFound   = errors.New("payor_not_found")
	ErrNotClaimed      = errors.New("charge_not_claimed")
)

// PayorContact is the paying user's contact details, snapshotted onto
// each receipt at charge time.
type PayorContact struct {
	Email string
	Name  string
	Phone string
}

// BillingAccount ties a customer to a plan and the provider-side vault
// records needed to charge them. PaymentProcessorData maps provider
// name to that provider's stored references; card and bank data never
// appear here.
type BillingAccount struct {
	ID                   int64             `gorm:"primaryKey" json:"id"`
	CustomerID           string            `json:"customer_id"`
	ProfileID            string            `json:"profile_id"`
	PlanID               *int64            `json:"plan_id"`
	PayorID              *int64            `json:"payor_id"`
	Status               string            `json:"status"`
	Vaulted              bool              `json:"vaulted"`
	VaultID              string            `json:"vault_id"`
	IsYearly             bool              `json:"is_yearly"`
	SetupFeePaid         bool              `json:"setup_fee_paid"`
	NextBillingDate      *time.Time        `json:"next_billing_date"`
	NeedsUpdate          bool              `json:"needs_update"`
	Processor            string            `json:"processor"`
	PaymentProcessorData datatypes.JSONMap `json:"payment_processor_data"`
	ChargeClaimedAt      *time.Time        `json:"-"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func (BillingAccount) TableName() string { return "billing_accounts" }

// ProviderData returns the stored references for one provider. The
// second return is false when the account has never been vaulted with
// that provider.
func (a BillingAccount) ProviderData(provider string) (customerRef, vaultToken string, ok bool) {
	entry, found := a.PaymentProcessorData[provider]
	if !found {
		return "", "", false
	}
	data, isMap := entry.(map[string]any)
	if !isMap {
		return "", "", false
	}
	customerRef, _ = data[ProviderDataCustomerRef].(string)
	vaultToken, _ = data[ProviderDataVaultToken].(string)
	if customerRef == "" || vaultToken == "" {
		return "", "", false
	}
	return customerRef, vaultToken, true
}

// Chargeable reports whether the account is in a state the recurring
// engine should attempt.
func (a BillingAccount) Chargeable() bool {
	return (a.Status == StatusActive || a.Status == StatusTrialing) &&
		a.Vaulted && !a.NeedsUpdate && a.PlanID != nil && a.NextBillingDate != nil
}

// Gateway is the persistence contract for billing accounts. Claim
// stamping keeps concurrent engine runs from double-charging the same
// account.
type Gateway interface {
	FindByID(ctx context.Context, id int64) (BillingAccount, error)
	FindDue(ctx context.Context, asOf time.Time) ([]BillingAccount, error)

	// ClaimForCharge atomically stamps the account as being charged
	// for the cycle identified by expectedNextBillingDate, recording
	// the adapter handling it. It returns false when the billing date
	// has already moved (another run charged this cycle) or another
	// run holds a live claim. Claims older than staleAfter are treated
	// as abandoned and re-claimable.
	ClaimForCharge(ctx context.Context, id int64, processor string, expectedNextBillingDate, now time.Time, staleAfter time.Duration) (bool, error)

	// CompleteCharge advances the billing date, activates the account,
	// clears the needs-update flag, and releases the claim.
	CompleteCharge(ctx context.Context, id int64, nextBillingDate time.Time) error

	// ReleaseClaim clears the claim without changing billing state.
	ReleaseClaim(ctx context.Context, id int64) error

	// Suspend parks a declined account: status moves to suspended, the
	// needs-update flag is set, and any claim is released.
	Suspend(ctx context.Context, id int64) error

	// FlagNeedsUpdate marks the account as requiring payment-method
	// attention without changing its status, releasing any claim.
	FlagNeedsUpdate(ctx context.Context, id int64) error

	// PayorContact resolves the paying user's contact details for the
	// receipt snapshot.
	PayorContact(ctx context.Context, payorID int64) (PayorContact, error)

	MarkSetupFeePaid(ctx context.Context, id int64) error
	SaveProviderData(ctx context.Context, id int64, provider string, data map[string]any) error
}

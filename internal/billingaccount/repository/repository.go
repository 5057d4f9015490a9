package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/settleco/settle/internal/billingaccount/domain"
)

type gatewayImpl struct {
	db *gorm.DB
}

type Params struct {
	fx.In

	DB *gorm.DB
}

func New(p Params) domain.Gateway {
	return &gatewayImpl{db: p.DB}
}

func (r *gatewayImpl) FindByID(ctx context.Context, id int64) (domain.BillingAccount, error) {
	var account domain.BillingAccount
	err := r.db.WithContext(ctx).
		Raw(`SELECT * FROM billing_accounts WHERE id = ?`, id).
		Scan(&account).Error
	if err != nil {
		return domain.BillingAccount{}, err
	}
	if account.ID == 0 {
		return domain.BillingAccount{}, domain.ErrAccountNotFound
	}
	return account, nil
}

// FindDue returns accounts whose billing date has arrived and that are
// in a chargeable state. Accounts on free plans never surface here;
// they are excluded in SQL so they cannot inflate run totals.
func (r *gatewayImpl) FindDue(ctx context.Context, asOf time.Time) ([]domain.BillingAccount, error) {
	var accounts []domain.BillingAccount
	err := r.db.WithContext(ctx).
		Raw(`
			SELECT ba.* FROM billing_accounts ba
			JOIN plans p ON p.id = ba.plan_id
			WHERE ba.status IN (?, ?)
			  AND ba.vaulted
			  AND NOT ba.needs_update
			  AND ba.next_billing_date IS NOT NULL
			  AND ba.next_billing_date <= ?
			  AND p.price_cents > 0
			ORDER BY ba.next_billing_date, ba.id`,
			domain.StatusActive, domain.StatusTrialing, asOf).
		Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ClaimForCharge stamps charge_claimed_at with a conditional update so
// exactly one concurrent caller wins, recording which adapter the claim
// belongs to. The billing-date guard makes the claim cycle-specific:
// once a competing run completes the charge and advances the date, the
// row no longer matches. A stale stamp from a crashed run is
// overwritten once it ages past staleAfter.
func (r *gatewayImpl) ClaimForCharge(ctx context.Context, id int64, processor string, expectedNextBillingDate, now time.Time, staleAfter time.Duration) (bool, error) {
	staleBefore := now.Add(-staleAfter)
	tx := r.db.WithContext(ctx).Exec(`
		UPDATE billing_accounts
		SET charge_claimed_at = ?, processor = ?, updated_at = ?
		WHERE id = ?
		  AND next_billing_date = ?
		  AND (charge_claimed_at IS NULL OR charge_claimed_at < ?)`,
		now, processor, now, id, expectedNextBillingDate, staleBefore)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// CompleteCharge settles a successful cycle: the billing date moves
// forward, a trialing account graduates to active, and the needs-update
// flag clears along with the claim.
func (r *gatewayImpl) CompleteCharge(ctx context.Context, id int64, nextBillingDate time.Time) error {
	tx := r.db.WithContext(ctx).Exec(`
		UPDATE billing_accounts
		SET next_billing_date = ?, status = ?, needs_update = FALSE,
		    charge_claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		nextBillingDate, domain.StatusActive, time.Now().UTC(), id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *gatewayImpl) ReleaseClaim(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Exec(`
		UPDATE billing_accounts
		SET charge_claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id).Error
}

// Suspend takes a declined account out of rotation until an operator
// or the customer fixes the payment method.
func (r *gatewayImpl) Suspend(ctx context.Context, id int64) error {
	tx := r.db.WithContext(ctx).Exec(`
		UPDATE billing_accounts
		SET status = ?, needs_update = TRUE, charge_claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		domain.StatusSuspended, time.Now().UTC(), id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *gatewayImpl) FlagNeedsUpdate(ctx context.Context, id int64) error {
	tx := r.db.WithContext(ctx).Exec(`
		UPDATE billing_accounts
		SET needs_update = TRUE, charge_claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *gatewayImpl) PayorContact(ctx context.Context, payorID int64) (domain.PayorContact, error) {
	var row struct {
		ID    int64
		Email string
		Name  string
		Phone string
	}
	err := r.db.WithContext(ctx).
		Raw(`SELECT id, email, name, phone FROM users WHERE id = ?`, payorID).
		Scan(&row).Error
	if err != nil {
		return domain.PayorContact{}, err
	}
	if row.ID == 0 {
		return domain.PayorContact{}, domain.ErrPayorNotFound
	}
	return domain.PayorContact{Email: row.Email, Name: row.Name, Phone: row.Phone}, nil
}

func (r *gatewayImpl) MarkSetupFeePaid(ctx context.Context, id int64) error {
	tx := r.db.WithContext(ctx).Exec(`
		UPDATE billing_accounts
		SET setup_fee_paid = TRUE, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// SaveProviderData merges one provider's vault references into
// payment_processor_data inside a transaction, re-reading the row so a
// concurrent write to another provider's entry is not lost.
func (r *gatewayImpl) SaveProviderData(ctx context.Context, id int64, provider string, data map[string]any) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account domain.BillingAccount
		if err := tx.Raw(`SELECT * FROM billing_accounts WHERE id = ? FOR UPDATE`, id).
			Scan(&account).Error; err != nil {
			return err
		}
		if account.ID == 0 {
			return domain.ErrAccountNotFound
		}

		merged := account.PaymentProcessorData
		if merged == nil {
			merged = map[string]any{}
		}
		merged[provider] = data

		payload, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return tx.Exec(`
			UPDATE billing_accounts
			SET payment_processor_data = ?, vaulted = TRUE, updated_at = ?
			WHERE id = ?`,
			string(payload), time.Now().UTC(), id).Error
	})
}

// IsNotFound reports whether err is the repository's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrAccountNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

var Module = fx.Module("billingaccount.repository",
	fx.Provide(New),
)

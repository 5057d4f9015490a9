package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/settleco/settle/internal/billingaccount/domain"
)

func newTestGateway(t *testing.T) (domain.Gateway, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.Exec(`
		CREATE TABLE billing_accounts (
			id INTEGER PRIMARY KEY,
			customer_id TEXT NOT NULL DEFAULT '',
			profile_id TEXT NOT NULL DEFAULT '',
			plan_id INTEGER,
			payor_id INTEGER,
			status TEXT NOT NULL DEFAULT 'inactive',
			vaulted BOOLEAN NOT NULL DEFAULT FALSE,
			vault_id TEXT NOT NULL DEFAULT '',
			is_yearly BOOLEAN NOT NULL DEFAULT FALSE,
			setup_fee_paid BOOLEAN NOT NULL DEFAULT FALSE,
			next_billing_date DATETIME,
			needs_update BOOLEAN NOT NULL DEFAULT FALSE,
			processor TEXT NOT NULL DEFAULT '',
			payment_processor_data TEXT NOT NULL DEFAULT '{}',
			charge_claimed_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`).Error
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	err = db.Exec(`
		CREATE TABLE plans (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			price_cents INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			yearly_discount REAL NOT NULL DEFAULT 0,
			billing_cycle TEXT NOT NULL DEFAULT 'monthly'
		)`).Error
	if err != nil {
		t.Fatalf("create plans schema: %v", err)
	}
	err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT ''
		)`).Error
	if err != nil {
		t.Fatalf("create users schema: %v", err)
	}
	err = db.Exec(`
		INSERT INTO plans (id, name, price_cents) VALUES
			(10, 'Growth', 2999),
			(11, 'Free', 0)`).Error
	if err != nil {
		t.Fatalf("seed plans: %v", err)
	}
	t.Cleanup(func() {
		db.Exec(`DROP TABLE billing_accounts`)
		db.Exec(`DROP TABLE plans`)
		db.Exec(`DROP TABLE users`)
	})
	return New(Params{DB: db}), db
}

func seedAccount(t *testing.T, db *gorm.DB, account domain.BillingAccount) {
	t.Helper()
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("seed account %d: %v", account.ID, err)
	}
}

func planID(id int64) *int64 { return &id }

func dueAccount(id int64, due time.Time) domain.BillingAccount {
	return domain.BillingAccount{
		ID:              id,
		CustomerID:      "cust_1",
		ProfileID:       "prof_1",
		PlanID:          planID(10),
		Status:          domain.StatusActive,
		Vaulted:         true,
		NextBillingDate: &due,
		PaymentProcessorData: map[string]any{
			"stripe": map[string]any{
				domain.ProviderDataCustomerRef: "cus_123",
				domain.ProviderDataVaultToken:  "pm_456",
			},
		},
	}
}

func TestFindDueFiltersIneligibleAccounts(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	seedAccount(t, db, dueAccount(1, past))

	notYetDue := dueAccount(2, future)
	seedAccount(t, db, notYetDue)

	unvaulted := dueAccount(3, past)
	unvaulted.Vaulted = false
	seedAccount(t, db, unvaulted)

	parked := dueAccount(4, past)
	parked.NeedsUpdate = true
	seedAccount(t, db, parked)

	suspended := dueAccount(5, past)
	suspended.Status = domain.StatusSuspended
	seedAccount(t, db, suspended)

	noPlan := dueAccount(6, past)
	noPlan.PlanID = nil
	seedAccount(t, db, noPlan)

	trialing := dueAccount(7, past)
	trialing.Status = domain.StatusTrialing
	seedAccount(t, db, trialing)

	freePlan := dueAccount(8, past)
	freePlan.PlanID = planID(11)
	seedAccount(t, db, freePlan)

	due, err := gateway.FindDue(context.Background(), now)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due accounts, want 2: %+v", len(due), due)
	}
	if due[0].ID != 1 || due[1].ID != 7 {
		t.Fatalf("due ids = %d, %d; want 1, 7", due[0].ID, due[1].ID)
	}
}

func TestClaimForChargeIsExclusive(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)
	seedAccount(t, db, dueAccount(1, due))

	claimed, err := gateway.ClaimForCharge(context.Background(), 1, "stripe", due, now, time.Hour)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should win")
	}

	claimed, err = gateway.ClaimForCharge(context.Background(), 1, "stripe", due, now.Add(time.Second), time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim should lose while the first is live")
	}
}

func TestClaimForChargeLosesWhenCycleAlreadyBilled(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)
	seedAccount(t, db, dueAccount(1, due))

	if _, err := gateway.ClaimForCharge(context.Background(), 1, "stripe", due, now, time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	next := now.AddDate(0, 1, 0)
	if err := gateway.CompleteCharge(context.Background(), 1, next); err != nil {
		t.Fatalf("CompleteCharge: %v", err)
	}

	// A second run still holding the stale due date must not claim.
	claimed, err := gateway.ClaimForCharge(context.Background(), 1, "stripe", due, now.Add(time.Second), time.Hour)
	if err != nil {
		t.Fatalf("ClaimForCharge: %v", err)
	}
	if claimed {
		t.Fatal("claim should fail after the cycle was billed")
	}
}

func TestClaimForChargeRecoversStaleClaims(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)
	account := dueAccount(1, due)
	stale := now.Add(-2 * time.Hour)
	account.ChargeClaimedAt = &stale
	seedAccount(t, db, account)

	claimed, err := gateway.ClaimForCharge(context.Background(), 1, "stripe", due, now, time.Hour)
	if err != nil {
		t.Fatalf("ClaimForCharge: %v", err)
	}
	if !claimed {
		t.Fatal("stale claim should be overwritten")
	}
}

func TestCompleteChargeAdvancesAndReleases(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)
	account := dueAccount(1, due)
	account.Status = domain.StatusTrialing
	seedAccount(t, db, account)

	if _, err := gateway.ClaimForCharge(context.Background(), 1, "stripe", due, now, time.Hour); err != nil {
		t.Fatalf("ClaimForCharge: %v", err)
	}
	next := now.AddDate(0, 1, 0)
	if err := gateway.CompleteCharge(context.Background(), 1, next); err != nil {
		t.Fatalf("CompleteCharge: %v", err)
	}

	account, err := gateway.FindByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if account.ChargeClaimedAt != nil {
		t.Fatal("claim should be released")
	}
	if account.Status != domain.StatusActive {
		t.Fatalf("status = %q, want active after a successful charge", account.Status)
	}
	if account.NeedsUpdate {
		t.Fatal("needs_update should clear on a successful charge")
	}
	if account.NextBillingDate == nil || !account.NextBillingDate.Equal(next) {
		t.Fatalf("next_billing_date = %v, want %v", account.NextBillingDate, next)
	}

	// Released and advanced: re-claimable, but no longer due.
	dueAccounts, err := gateway.FindDue(context.Background(), now)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(dueAccounts) != 0 {
		t.Fatalf("account still due after completion: %+v", dueAccounts)
	}
}

func TestReleaseClaimLeavesBillingDate(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)
	seedAccount(t, db, dueAccount(1, due))

	if _, err := gateway.ClaimForCharge(context.Background(), 1, "stripe", due, now, time.Hour); err != nil {
		t.Fatalf("ClaimForCharge: %v", err)
	}
	if err := gateway.ReleaseClaim(context.Background(), 1); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}

	account, err := gateway.FindByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if account.ChargeClaimedAt != nil {
		t.Fatal("claim should be cleared")
	}
	if account.NextBillingDate == nil || !account.NextBillingDate.Equal(due) {
		t.Fatalf("next_billing_date moved to %v", account.NextBillingDate)
	}
}

func TestFlagNeedsUpdateParksAccount(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	seedAccount(t, db, dueAccount(1, now.Add(-time.Hour)))

	if err := gateway.FlagNeedsUpdate(context.Background(), 1); err != nil {
		t.Fatalf("FlagNeedsUpdate: %v", err)
	}

	due, err := gateway.FindDue(context.Background(), now)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatal("parked account should not be due")
	}
}

func TestSuspendParksDeclinedAccount(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)
	seedAccount(t, db, dueAccount(1, due))

	if _, err := gateway.ClaimForCharge(context.Background(), 1, "stripe", due, now, time.Hour); err != nil {
		t.Fatalf("ClaimForCharge: %v", err)
	}
	if err := gateway.Suspend(context.Background(), 1); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	account, err := gateway.FindByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if account.Status != domain.StatusSuspended {
		t.Fatalf("status = %q, want suspended", account.Status)
	}
	if !account.NeedsUpdate {
		t.Fatal("suspended account should be flagged needs_update")
	}
	if account.ChargeClaimedAt != nil {
		t.Fatal("claim should be released on suspend")
	}

	stillDue, err := gateway.FindDue(context.Background(), now)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(stillDue) != 0 {
		t.Fatal("suspended account should not be due")
	}
}

func TestClaimForChargeStampsProcessor(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)
	seedAccount(t, db, dueAccount(1, due))

	if _, err := gateway.ClaimForCharge(context.Background(), 1, "forte", due, now, time.Hour); err != nil {
		t.Fatalf("ClaimForCharge: %v", err)
	}
	account, err := gateway.FindByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if account.Processor != "forte" {
		t.Fatalf("processor = %q, want forte", account.Processor)
	}
}

func TestPayorContact(t *testing.T) {
	gateway, db := newTestGateway(t)
	err := db.Exec(`
		INSERT INTO users (id, email, name, phone)
		VALUES (70, 'dana@example.com', 'Dana Whitfield', '555-0173')`).Error
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	contact, err := gateway.PayorContact(context.Background(), 70)
	if err != nil {
		t.Fatalf("PayorContact: %v", err)
	}
	if contact.Email != "dana@example.com" || contact.Name != "Dana Whitfield" || contact.Phone != "555-0173" {
		t.Fatalf("contact = %+v", contact)
	}

	if _, err := gateway.PayorContact(context.Background(), 404); !errors.Is(err, domain.ErrPayorNotFound) {
		t.Fatalf("err = %v, want ErrPayorNotFound", err)
	}
}

func TestMarkSetupFeePaid(t *testing.T) {
	gateway, db := newTestGateway(t)
	now := time.Now().UTC()
	seedAccount(t, db, dueAccount(1, now))

	if err := gateway.MarkSetupFeePaid(context.Background(), 1); err != nil {
		t.Fatalf("MarkSetupFeePaid: %v", err)
	}
	account, err := gateway.FindByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !account.SetupFeePaid {
		t.Fatal("setup fee should be marked paid")
	}
}

func TestFindByIDMissing(t *testing.T) {
	gateway, _ := newTestGateway(t)

	_, err := gateway.FindByID(context.Background(), 404)
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"

	accountdomain "github.com/settleco/settle/internal/billingaccount/domain"
	"github.com/settleco/settle/internal/clock"
	"github.com/settleco/settle/internal/config"
	"github.com/settleco/settle/internal/events"
	"github.com/settleco/settle/internal/observability/tracing"
	plandomain "github.com/settleco/settle/internal/plan/domain"
	processordomain "github.com/settleco/settle/internal/processor/domain"
	"github.com/settleco/settle/internal/processor/registry"
	receiptdomain "github.com/settleco/settle/internal/receipt/domain"
	receiptservice "github.com/settleco/settle/internal/receipt/service"
)

// ErrRunInProgress is returned when a run is triggered while another is
// still draining. Runs never overlap within one process.
var ErrRunInProgress = errors.New("billing_run_in_progress")

// ProcessorSelector picks the adapter a run will charge through.
type ProcessorSelector interface {
	SmartChoose(ctx context.Context, opts registry.SelectionOptions) (processordomain.Adapter, error)
}

// Publisher emits billing events. Best effort; implementations must not
// fail the caller.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any, dedupeKey string)
}

// RunSummary is the outcome of one batch run.
type RunSummary struct {
	Processor  string    `json:"processor"`
	Total      int       `json:"total"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Engine drives the recurring billing batch: find due accounts, claim
// each one, charge the vaulted payment method, and ledger the outcome.
type Engine struct {
	log      *zap.Logger
	cfg      config.Config
	clock    clock.Clock
	accounts accountdomain.Gateway
	plans    plandomain.Catalog
	receipts *receiptservice.Service
	selector ProcessorSelector
	notifier Publisher

	running atomic.Bool
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Clock    clock.Clock
	Accounts accountdomain.Gateway
	Plans    plandomain.Catalog
	Receipts *receiptservice.Service
	Selector ProcessorSelector
	Notifier Publisher
}

func New(p Params) *Engine {
	return &Engine{
		log:      p.Log.Named("engine"),
		cfg:      p.Config,
		clock:    p.Clock,
		accounts: p.Accounts,
		plans:    p.Plans,
		receipts: p.Receipts,
		selector: p.Selector,
		notifier: p.Notifier,
	}
}

// Run executes one billing batch. The processor is resolved once up
// front; if none is available the run aborts without touching any
// account. Individual account failures never abort the batch.
func (e *Engine) Run(ctx context.Context) (RunSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return RunSummary{}, ErrRunInProgress
	}
	defer e.running.Store(false)

	ctx, span := tracing.Tracer().Start(ctx, "engine.Run")
	defer span.End()

	summary := RunSummary{StartedAt: e.clock.Now()}

	adapter, err := e.selector.SmartChoose(ctx, registry.SelectionOptions{
		TestConnections: true,
		Fallback:        e.cfg.FallbackProcessor,
	})
	if err != nil {
		e.log.Error("billing run aborted, no processor available", zap.Error(err))
		return summary, fmt.Errorf("select processor: %w", err)
	}
	summary.Processor = adapter.Name()

	asOf := endOfDay(e.clock.Now())
	due, err := e.accounts.FindDue(ctx, asOf)
	if err != nil {
		return summary, fmt.Errorf("find due accounts: %w", err)
	}
	summary.Total = len(due)
	e.log.Info("billing run started",
		zap.String("processor", adapter.Name()),
		zap.Int("due_accounts", len(due)),
		zap.Time("as_of", asOf),
	)

	for _, account := range due {
		e.processAccount(ctx, adapter, account, &summary)
	}

	summary.FinishedAt = e.clock.Now()
	e.log.Info("billing run finished",
		zap.String("processor", summary.Processor),
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
	)
	e.notifier.Publish(ctx, events.TopicRunCompleted, map[string]any{
		"processor":  summary.Processor,
		"total":      summary.Total,
		"successful": summary.Successful,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
		"started_at": summary.StartedAt,
	}, "")
	return summary, nil
}

// processAccount charges one account. A panic here is contained to the
// account: the claim is released and the run moves on.
func (e *Engine) processAccount(ctx context.Context, adapter processordomain.Adapter, account accountdomain.BillingAccount, summary *RunSummary) {
	ctx, span := tracing.Tracer().Start(ctx, "engine.processAccount")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.Int64("billing_account_id", account.ID),
		attribute.String("processor", adapter.Name()),
	)...)

	log := e.log.With(
		zap.Int64("billing_account_id", account.ID),
		zap.String("processor", adapter.Name()),
	)
	defer func() {
		if r := recover(); r != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: panic: %v", account.ID, r))
			log.Error("account processing panicked", zap.Any("panic", r))
			// Minimal error receipt so the attempt is still auditable.
			if _, err := e.receipts.RecordCharge(ctx, receiptservice.ChargeRecord{
				TransactionID: e.receipts.NewTransactionID(),
				Account:       account,
				Type:          receiptdomain.TypeRecurring,
				Processor:     adapter.Name(),
				Outcome: processordomain.ChargeOutcome{
					Kind: processordomain.OutcomeError,
					Err:  fmt.Errorf("panic: %v", r),
				},
			}); err != nil {
				log.Error("panic receipt write failed", zap.Error(err))
			}
			if err := e.accounts.FlagNeedsUpdate(ctx, account.ID); err != nil {
				log.Error("flag needs_update after panic failed", zap.Error(err))
			}
		}
	}()

	plan, err := e.plans.Get(ctx, derefPlanID(account.PlanID))
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: plan: %v", account.ID, err))
		log.Error("plan lookup failed", zap.Error(err))
		return
	}
	if plan.PriceCents <= 0 {
		summary.Skipped++
		log.Debug("free plan skipped", zap.Int64("plan_id", plan.ID))
		return
	}

	customerRef, vaultToken, ok := account.ProviderData(adapter.Name())
	if !ok {
		summary.Skipped++
		log.Warn("account has no vault data for selected processor")
		if err := e.accounts.FlagNeedsUpdate(ctx, account.ID); err != nil {
			log.Error("flag needs_update failed", zap.Error(err))
		}
		e.notifier.Publish(ctx, events.TopicNeedsUpdate, map[string]any{
			"billing_account_id": account.ID,
			"customer_id":        account.CustomerID,
			"processor":          adapter.Name(),
			"reason":             "missing_provider_data",
		}, fmt.Sprintf("needs_update:%d", account.ID))
		return
	}

	claimed, err := e.accounts.ClaimForCharge(ctx, account.ID, adapter.Name(), *account.NextBillingDate, e.clock.Now(), e.cfg.ClaimStaleAfter)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: claim: %v", account.ID, err))
		log.Error("claim failed", zap.Error(err))
		return
	}
	if !claimed {
		summary.Skipped++
		log.Info("account already claimed by another run")
		return
	}

	includeSetupFee := !account.SetupFeePaid
	if includeSetupFee {
		// The fee flag flips before the attempt: a customer is billed
		// the setup fee at most once even if this charge later needs a
		// retry.
		if err := e.accounts.MarkSetupFeePaid(ctx, account.ID); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: setup fee: %v", account.ID, err))
			log.Error("mark setup fee paid failed", zap.Error(err))
			if err := e.accounts.ReleaseClaim(ctx, account.ID); err != nil {
				log.Error("release claim failed", zap.Error(err))
			}
			return
		}
	}
	amount := ChargeAmountCents(plan, account.IsYearly, includeSetupFee, e.cfg.SetupFeeCents)
	currency := plan.Currency
	if currency == "" {
		currency = e.cfg.DefaultCurrency
	}

	var contact accountdomain.PayorContact
	if account.PayorID != nil {
		contact, err = e.accounts.PayorContact(ctx, *account.PayorID)
		if err != nil {
			// The snapshot is best effort; a missing payor never
			// blocks the charge.
			log.Warn("payor contact lookup failed", zap.Error(err))
		}
	}

	transactionID := e.receipts.NewTransactionID()
	chargeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderCallTimeout)
	res, chargeErr := adapter.VaultTransaction(chargeCtx, processordomain.VaultChargeRequest{
		CustomerID:  customerRef,
		VaultToken:  vaultToken,
		AmountCents: amount,
		Currency:    currency,
		Description: fmt.Sprintf("%s subscription", plan.Name),
		ReferenceID: transactionID,
	})
	cancel()
	outcome := processordomain.Classify(res, chargeErr)

	recordAmount := amount
	if outcome.Kind == processordomain.OutcomeError {
		// Provider state is unknown; ledger a zero-amount marker
		// rather than an amount that may never have moved.
		recordAmount = 0
	}
	if _, err := e.receipts.RecordCharge(ctx, receiptservice.ChargeRecord{
		TransactionID: transactionID,
		Account:       account,
		Plan:          plan,
		Type:          receiptdomain.TypeRecurring,
		AmountCents:   recordAmount,
		Currency:      currency,
		Processor:     adapter.Name(),
		Outcome:       outcome,
		CustomerEmail: contact.Email,
		CustomerName:  contact.Name,
		CustomerPhone: contact.Phone,
	}); err != nil {
		// The charge may have settled; a missing receipt is an
		// incident, not a retry.
		summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: receipt: %v", account.ID, err))
		log.Error("receipt write failed after charge",
			zap.String("transaction_id", transactionID),
			zap.String("outcome", string(outcome.Kind)),
			zap.Error(err),
		)
		e.notifier.Publish(ctx, events.TopicReceiptWriteFailed, map[string]any{
			"billing_account_id": account.ID,
			"transaction_id":     transactionID,
			"processor":          adapter.Name(),
			"outcome":            string(outcome.Kind),
			"amount_cents":       recordAmount,
		}, "receipt_write:"+transactionID)
	}

	switch outcome.Kind {
	case processordomain.OutcomeApproved:
		summary.Successful++
		next := nextBillingDate(e.clock.Now(), account.IsYearly)
		if err := e.accounts.CompleteCharge(ctx, account.ID, next); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: complete: %v", account.ID, err))
			log.Error("complete charge failed", zap.Error(err))
			return
		}
		log.Info("account charged",
			zap.String("transaction_id", transactionID),
			zap.Int64("amount_cents", amount),
			zap.Time("next_billing_date", next),
		)

	case processordomain.OutcomeDeclined:
		summary.Failed++
		log.Warn("charge declined",
			zap.String("transaction_id", transactionID),
			zap.String("reason", outcome.Reason),
			zap.String("code", outcome.Code),
		)
		if err := e.accounts.Suspend(ctx, account.ID); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: suspend: %v", account.ID, err))
			log.Error("suspend account failed", zap.Error(err))
		}
		e.notifier.Publish(ctx, events.TopicChargeFailed, map[string]any{
			"billing_account_id": account.ID,
			"customer_id":        account.CustomerID,
			"transaction_id":     transactionID,
			"processor":          adapter.Name(),
			"kind":               string(processordomain.OutcomeDeclined),
			"reason":             outcome.Reason,
			"code":               outcome.Code,
		}, "")

	case processordomain.OutcomeError:
		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: charge: %v", account.ID, outcome.Err))
		log.Error("charge errored", zap.String("transaction_id", transactionID), zap.Error(outcome.Err))
		// The provider may or may not have settled; park the account
		// for operator review instead of retrying blind.
		if err := e.accounts.FlagNeedsUpdate(ctx, account.ID); err != nil {
			log.Error("flag needs_update failed", zap.Error(err))
		}
		e.notifier.Publish(ctx, events.TopicChargeFailed, map[string]any{
			"billing_account_id": account.ID,
			"customer_id":        account.CustomerID,
			"transaction_id":     transactionID,
			"processor":          adapter.Name(),
			"kind":               string(processordomain.OutcomeError),
		}, "")
	}
}

// ChargeAmountCents computes the cycle charge in integer cents. Yearly
// accounts pay twelve months with the plan discount applied; the setup
// fee rides on the first successful cycle.
func ChargeAmountCents(plan plandomain.Plan, isYearly, includeSetupFee bool, setupFeeCents int64) int64 {
	amount := decimal.NewFromInt(plan.PriceCents)
	if isYearly {
		amount = amount.
			Mul(decimal.NewFromInt(12)).
			Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(plan.YearlyDiscount)))
	}
	cents := amount.Round(0).IntPart()
	if includeSetupFee {
		cents += setupFeeCents
	}
	return cents
}

// nextBillingDate normalizes the next cycle to calendar boundaries:
// monthly accounts bill on the first of the next month, yearly
// accounts on the same date next year, both at midnight UTC.
func nextBillingDate(now time.Time, isYearly bool) time.Time {
	now = now.UTC()
	if isYearly {
		next := now.AddDate(1, 0, 0)
		return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// endOfDay widens the due cutoff to the whole calendar day so a run
// started at 03:00 still picks up accounts dated later the same day.
func endOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 23, 59, 59, 0, t.Location())
}

func derefPlanID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

var Module = fx.Module("engine",
	fx.Provide(
		New,
		func(r *registry.Registry) ProcessorSelector { return r },
		func(n *events.Notifier) Publisher { return n },
	),
)

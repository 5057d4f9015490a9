package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	accountdomain "github.com/settleco/settle/internal/billingaccount/domain"
	"github.com/settleco/settle/internal/clock"
	"github.com/settleco/settle/internal/logger"
	plandomain "github.com/settleco/settle/internal/plan/domain"
	processordomain "github.com/settleco/settle/internal/processor/domain"
	"github.com/settleco/settle/internal/receipt/domain"
)

// Service writes ledger entries for charge outcomes. It owns
// transaction id generation so every entry is traceable before the
// provider is even called.
type Service struct {
	log    *zap.Logger
	ledger domain.Ledger
	node   *snowflake.Node
	clock  clock.Clock
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Ledger domain.Ledger
	Node   *snowflake.Node
	Clock  clock.Clock
}

func New(p Params) *Service {
	return &Service{
		log:    p.Log.Named("receipt.service"),
		ledger: p.Ledger,
		node:   p.Node,
		clock:  p.Clock,
	}
}

// NewTransactionID mints a ledger transaction id. Base36 keeps ids
// short enough for provider reference fields.
func (s *Service) NewTransactionID() string {
	return "txn_" + strings.ToLower(strconv.FormatInt(s.node.Generate().Int64(), 36))
}

// ChargeRecord carries everything needed to ledger one charge attempt.
type ChargeRecord struct {
	TransactionID string
	Account       accountdomain.BillingAccount
	Plan          plandomain.Plan
	Type          string
	AmountCents   int64
	Currency      string
	Processor     string
	Outcome       processordomain.ChargeOutcome
	CustomerEmail string
	CustomerName  string
	CustomerPhone string
}

// RecordCharge appends the receipt for one charge attempt, success or
// failure alike. Ledger write failures are returned to the caller; the
// charge already happened, so the caller must surface them loudly.
func (s *Service) RecordCharge(ctx context.Context, rec ChargeRecord) (domain.Receipt, error) {
	status := domain.StatusFailed
	if rec.Outcome.Approved() {
		status = domain.StatusSuccess
	}

	receipt := domain.Receipt{
		TransactionID:          rec.TransactionID,
		BillingAccountID:       rec.Account.ID,
		UserID:                 rec.Account.PayorID,
		Status:                 status,
		Type:                   rec.Type,
		AmountCents:            rec.AmountCents,
		Currency:               rec.Currency,
		PlanID:                 rec.Account.PlanID,
		PlanName:               rec.Plan.Name,
		PlanPriceCents:         rec.Plan.PriceCents,
		PlanBillingCycle:       rec.Plan.BillingCycle,
		ProcessorName:          rec.Processor,
		ProcessorTransactionID: rec.Outcome.TransactionID,
		ProcessorResponse:      rec.Outcome.Raw,
		CustomerEmail:          rec.CustomerEmail,
		CustomerName:           rec.CustomerName,
		CustomerPhone:          rec.CustomerPhone,
		FailureReason:          rec.Outcome.Reason,
		FailureCode:            rec.Outcome.Code,
		TransactionDate:        s.clock.Now(),
	}
	if rec.Outcome.Kind == processordomain.OutcomeError && rec.Outcome.Err != nil {
		receipt.FailureReason = rec.Outcome.Err.Error()
		receipt.FailureCode = processordomain.CodeProcessingError
	}

	written, err := s.ledger.Append(ctx, receipt)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("append receipt %s: %w", rec.TransactionID, err)
	}
	s.log.Info("receipt recorded",
		zap.String("transaction_id", written.TransactionID),
		zap.Int64("billing_account_id", written.BillingAccountID),
		zap.String("status", written.Status),
		zap.String("type", written.Type),
		zap.Int64("amount_cents", written.AmountCents),
	)
	if written.Status == domain.StatusFailed && len(written.ProcessorResponse) > 0 {
		s.log.Debug("processor response",
			zap.String("transaction_id", written.TransactionID),
			zap.Any("response", logger.MaskJSON(written.ProcessorResponse)),
		)
	}
	return written, nil
}

// RecordCorrection appends a refund or void entry referencing the
// original receipt. The original entry is never modified.
func (s *Service) RecordCorrection(ctx context.Context, originalTransactionID, kind string, res processordomain.Result) (domain.Receipt, error) {
	if kind != domain.TypeRefund && kind != domain.TypeVoid {
		return domain.Receipt{}, fmt.Errorf("unsupported correction type %q", kind)
	}
	original, err := s.ledger.FindByTransactionID(ctx, originalTransactionID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if original.Status != domain.StatusSuccess {
		return domain.Receipt{}, fmt.Errorf("cannot correct %s receipt %s", original.Status, originalTransactionID)
	}

	status := domain.StatusFailed
	amount := int64(0)
	if res.Success {
		status = domain.StatusRefunded
		if kind == domain.TypeVoid {
			status = domain.StatusVoided
		}
		// Corrections carry the negated amount so account sums stay
		// honest.
		amount = -original.AmountCents
	}

	correction := domain.Receipt{
		TransactionID:          s.NewTransactionID(),
		BillingAccountID:       original.BillingAccountID,
		UserID:                 original.UserID,
		Status:                 status,
		Type:                   kind,
		AmountCents:            amount,
		Currency:               original.Currency,
		PlanID:                 original.PlanID,
		PlanName:               original.PlanName,
		PlanPriceCents:         original.PlanPriceCents,
		PlanBillingCycle:       original.PlanBillingCycle,
		ProcessorName:          original.ProcessorName,
		ProcessorTransactionID: res.TransactionID(),
		ProcessorResponse:      res.Raw(),
		CustomerEmail:          original.CustomerEmail,
		CustomerName:           original.CustomerName,
		CustomerPhone:          original.CustomerPhone,
		FailureReason:          failureReason(res),
		FailureCode:            res.ErrorCode,
		TransactionDate:        s.clock.Now(),
	}
	written, err := s.ledger.Append(ctx, correction)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("append %s for %s: %w", kind, originalTransactionID, err)
	}
	s.log.Info("correction recorded",
		zap.String("transaction_id", written.TransactionID),
		zap.String("original_transaction_id", originalTransactionID),
		zap.String("type", kind),
		zap.String("status", status),
	)
	return written, nil
}

func failureReason(res processordomain.Result) string {
	if res.Success {
		return ""
	}
	return res.Message
}

var Module = fx.Module("receipt.service",
	fx.Provide(New),
)

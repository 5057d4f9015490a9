package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/settleco/settle/internal/processor/domain"
)

const (
	// ProviderName is the stable identifier used as the key into an
	// account's per-provider vault data.
	ProviderName = "stripe"

	envSecretKey = "STRIPE_SECRET_KEY"
)

// RequiredEnvKeys enumerates the credentials this adapter needs.
var RequiredEnvKeys = []string{envSecretKey}

// Factory builds Stripe adapters from env credentials.
type Factory struct{}

// NewFactory constructs the Stripe adapter factory.
func NewFactory() Factory { return Factory{} }

// Provider returns the provider name this factory serves.
func (Factory) Provider() string { return ProviderName }

// New constructs a Stripe adapter bound to the configured secret key.
func (Factory) New(env domain.Env) (domain.Adapter, error) {
	key := strings.TrimSpace(env(envSecretKey))
	if key == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingCredentials, envSecretKey)
	}
	return &Adapter{api: client.New(key, nil)}, nil
}

// Adapter implements the uniform processor contract on Stripe. Vault
// ids are Stripe customer ids; vault tokens are payment method ids.
type Adapter struct {
	api *client.API
}

func (a *Adapter) Name() string { return ProviderName }

// ProcessPayment runs a one-shot charge with raw card details. The card
// is tokenized into an ephemeral payment method first; nothing is
// stored on our side.
func (a *Adapter) ProcessPayment(ctx context.Context, req domain.PaymentRequest) (domain.Result, error) {
	if req.Card == nil {
		return domain.Result{}, fmt.Errorf("%w: card details required", domain.ErrInvalidRequest)
	}
	method, err := a.newCardPaymentMethod(ctx, req.Card)
	if err != nil {
		return classifyError(err)
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(req.AmountCents),
		Currency:      stripeapi.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripeapi.String(method.ID),
		Confirm:       stripeapi.Bool(true),
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripeapi.String(req.Description)
	}

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return classifyError(err)
	}
	return intentResult(intent), nil
}

// CaptureTransaction captures a prior authorization.
func (a *Adapter) CaptureTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	params := &stripeapi.PaymentIntentCaptureParams{}
	params.Context = ctx
	if req.AmountCents > 0 {
		params.AmountToCapture = stripeapi.Int64(req.AmountCents)
	}
	intent, err := a.api.PaymentIntents.Capture(req.TransactionID, params)
	if err != nil {
		return classifyError(err)
	}
	return intentResult(intent), nil
}

// VoidTransaction cancels an uncaptured authorization.
func (a *Adapter) VoidTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	params := &stripeapi.PaymentIntentCancelParams{}
	params.Context = ctx
	intent, err := a.api.PaymentIntents.Cancel(req.TransactionID, params)
	if err != nil {
		return classifyError(err)
	}
	return intentResult(intent), nil
}

// RefundTransaction returns funds for a captured transaction. A zero
// amount refunds in full.
func (a *Adapter) RefundTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(req.TransactionID),
	}
	params.Context = ctx
	if req.AmountCents > 0 {
		params.Amount = stripeapi.Int64(req.AmountCents)
	}
	refund, err := a.api.Refunds.New(params)
	if err != nil {
		return classifyError(err)
	}
	return domain.OK("refund issued", map[string]any{
		domain.DataKeyTransactionID: refund.ID,
		domain.DataKeyStatus:        string(refund.Status),
		domain.DataKeyRaw:           rawOf(refund),
	}), nil
}

// CreateVault upserts a Stripe customer keyed by our customer id and
// attaches the payment method as the default. Calling it twice for the
// same customer updates the existing record.
func (a *Adapter) CreateVault(ctx context.Context, req domain.VaultRequest) (domain.Result, error) {
	if req.Card == nil && req.Bank == nil {
		return domain.Result{}, fmt.Errorf("%w: payment details required", domain.ErrInvalidRequest)
	}
	if req.Bank != nil && req.Card == nil {
		// Stripe ACH debits need micro-deposit or instant verification
		// flows this core does not drive.
		return domain.Result{}, fmt.Errorf("%w: stripe vault supports cards only", domain.ErrNotSupported)
	}

	customerID, err := a.findCustomerID(ctx, req.CustomerID)
	if err != nil {
		return classifyError(err)
	}

	if customerID == "" {
		params := &stripeapi.CustomerParams{
			Email:    stripeapi.String(req.Email),
			Name:     stripeapi.String(req.Name),
			Metadata: map[string]string{"customer_id": req.CustomerID},
		}
		params.Context = ctx
		if req.Phone != "" {
			params.Phone = stripeapi.String(req.Phone)
		}
		created, err := a.api.Customers.New(params)
		if err != nil {
			return classifyError(err)
		}
		customerID = created.ID
	}

	method, err := a.newCardPaymentMethod(ctx, req.Card)
	if err != nil {
		return classifyError(err)
	}

	attachParams := &stripeapi.PaymentMethodAttachParams{
		Customer: stripeapi.String(customerID),
	}
	attachParams.Context = ctx
	if _, err := a.api.PaymentMethods.Attach(method.ID, attachParams); err != nil {
		return classifyError(err)
	}

	updateParams := &stripeapi.CustomerParams{
		InvoiceSettings: &stripeapi.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripeapi.String(method.ID),
		},
	}
	updateParams.Context = ctx
	updated, err := a.api.Customers.Update(customerID, updateParams)
	if err != nil {
		return classifyError(err)
	}

	return domain.OK("payment method vaulted", map[string]any{
		domain.DataKeyVaultID: updated.ID,
		"payment_method_id":   method.ID,
		domain.DataKeyRaw:     rawOf(updated),
	}), nil
}

// VaultTransaction charges a vaulted payment method off-session.
func (a *Adapter) VaultTransaction(ctx context.Context, req domain.VaultChargeRequest) (domain.Result, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:     stripeapi.Int64(req.AmountCents),
		Currency:   stripeapi.String(strings.ToLower(req.Currency)),
		Customer:   stripeapi.String(req.CustomerID),
		Confirm:    stripeapi.Bool(true),
		OffSession: stripeapi.Bool(true),
	}
	params.Context = ctx
	if req.VaultToken != "" {
		params.PaymentMethod = stripeapi.String(req.VaultToken)
	}
	if req.Description != "" {
		params.Description = stripeapi.String(req.Description)
	}
	if req.ReferenceID != "" {
		params.IdempotencyKey = stripeapi.String(req.ReferenceID)
	}

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return classifyError(err)
	}
	return intentResult(intent), nil
}

// FetchTransactions lists recent payment intents for a vaulted customer.
func (a *Adapter) FetchTransactions(ctx context.Context, customerID string) (domain.Result, error) {
	stripeCustomerID, err := a.findCustomerID(ctx, customerID)
	if err != nil {
		return classifyError(err)
	}
	if stripeCustomerID == "" {
		return domain.OK("no transactions", map[string]any{
			domain.DataKeyTransactions: []map[string]any{},
		}), nil
	}

	params := &stripeapi.PaymentIntentListParams{
		Customer: stripeapi.String(stripeCustomerID),
	}
	params.Context = ctx
	params.Limit = stripeapi.Int64(50)

	var transactions []map[string]any
	iter := a.api.PaymentIntents.List(params)
	for iter.Next() {
		intent := iter.PaymentIntent()
		transactions = append(transactions, map[string]any{
			"id":     intent.ID,
			"amount": intent.Amount,
			"status": string(intent.Status),
		})
	}
	if err := iter.Err(); err != nil {
		return classifyError(err)
	}
	return domain.OK("transactions fetched", map[string]any{
		domain.DataKeyTransactions: transactions,
	}), nil
}

// Probe verifies credentials with a balance read.
func (a *Adapter) Probe(ctx context.Context) error {
	params := &stripeapi.BalanceParams{}
	params.Context = ctx
	_, err := a.api.Balance.Get(params)
	return err
}

func (a *Adapter) findCustomerID(ctx context.Context, customerID string) (string, error) {
	params := &stripeapi.CustomerSearchParams{
		SearchParams: stripeapi.SearchParams{
			Query:   fmt.Sprintf("metadata['customer_id']:'%s'", customerID),
			Context: ctx,
		},
	}
	iter := a.api.Customers.Search(params)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	return "", iter.Err()
}

func (a *Adapter) newCardPaymentMethod(ctx context.Context, card *domain.CardDetails) (*stripeapi.PaymentMethod, error) {
	expMonth, err := strconv.ParseInt(strings.TrimSpace(card.ExpMonth), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad expiry month", domain.ErrInvalidRequest)
	}
	expYear, err := strconv.ParseInt(strings.TrimSpace(card.ExpYear), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad expiry year", domain.ErrInvalidRequest)
	}

	params := &stripeapi.PaymentMethodParams{
		Type: stripeapi.String("card"),
		Card: &stripeapi.PaymentMethodCardParams{
			Number:   stripeapi.String(card.Number),
			ExpMonth: stripeapi.Int64(expMonth),
			ExpYear:  stripeapi.Int64(expYear),
			CVC:      stripeapi.String(card.CVV),
		},
	}
	params.Context = ctx
	return a.api.PaymentMethods.New(params)
}

func intentResult(intent *stripeapi.PaymentIntent) domain.Result {
	data := map[string]any{
		domain.DataKeyTransactionID: intent.ID,
		domain.DataKeyStatus:        string(intent.Status),
		domain.DataKeyRaw:           rawOf(intent),
	}
	switch intent.Status {
	case stripeapi.PaymentIntentStatusSucceeded,
		stripeapi.PaymentIntentStatusRequiresCapture,
		stripeapi.PaymentIntentStatusCanceled:
		return domain.OK(string(intent.Status), data)
	default:
		return domain.Failed("payment not completed: "+string(intent.Status), domain.CodeDeclined, data)
	}
}

// classifyError maps Stripe card errors to business-failure results and
// lets infrastructure faults propagate as errors.
func classifyError(err error) (domain.Result, error) {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripeapi.ErrorTypeCard, stripeapi.ErrorTypeInvalidRequest:
			code := string(stripeErr.Code)
			if stripeErr.DeclineCode != "" {
				code = string(stripeErr.DeclineCode)
			}
			if code == "" {
				code = domain.CodeDeclined
			}
			return domain.Failed(stripeErr.Msg, code, map[string]any{
				domain.DataKeyRaw: rawOf(stripeErr),
			}), nil
		}
	}
	return domain.Result{}, err
}

func rawOf(value any) map[string]any {
	body, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil
	}
	return out
}

package domain

import "context"

// CardDetails carries raw card data on its way to a provider vault.
// It is never persisted locally.
type CardDetails struct {
	Number   string
	ExpMonth string
	ExpYear  string
	CVV      string
	Holder   string
}

// BankDetails carries ACH account data on its way to a provider vault.
type BankDetails struct {
	AccountNumber string
	RoutingNumber string
	AccountType   string
	Holder        string
}

// PaymentRequest is a direct one-shot charge with raw payment details.
// Most charges go through the vault path instead.
type PaymentRequest struct {
	AmountCents int64
	Currency    string
	Description string
	Card        *CardDetails
	Bank        *BankDetails
}

// TransactionRequest references a prior provider transaction for
// capture, void, or refund. AmountCents of zero on a refund means full.
type TransactionRequest struct {
	TransactionID string
	AmountCents   int64
	Currency      string
}

// VaultRequest registers a reusable payment method against a
// provider-side customer record. Idempotent per CustomerID where the
// provider supports upserts.
type VaultRequest struct {
	CustomerID string
	Email      string
	Name       string
	Phone      string
	Card       *CardDetails
	Bank       *BankDetails
}

// VaultChargeRequest charges a previously vaulted payment method. This
// is the operation the recurring engine drives.
type VaultChargeRequest struct {
	CustomerID  string
	VaultToken  string
	AmountCents int64
	Currency    string
	Description string
	// ReferenceID ties the provider-side charge back to our receipt;
	// adapters pass it as the provider's idempotency key when supported.
	ReferenceID string
}

// Adapter is the uniform contract over heterogeneous payment providers.
// Implementations confine side effects to the remote provider and
// return ErrNotSupported for operations the provider cannot perform
// rather than silently succeeding.
type Adapter interface {
	Name() string
	ProcessPayment(ctx context.Context, req PaymentRequest) (Result, error)
	CaptureTransaction(ctx context.Context, req TransactionRequest) (Result, error)
	VoidTransaction(ctx context.Context, req TransactionRequest) (Result, error)
	RefundTransaction(ctx context.Context, req TransactionRequest) (Result, error)
	CreateVault(ctx context.Context, req VaultRequest) (Result, error)
	VaultTransaction(ctx context.Context, req VaultChargeRequest) (Result, error)
	FetchTransactions(ctx context.Context, customerID string) (Result, error)
}

// ConnectionProber is implemented by adapters that can cheaply verify
// live connectivity and credentials.
type ConnectionProber interface {
	Probe(ctx context.Context) error
}

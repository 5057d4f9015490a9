package domain

import "strings"

// Normalized keys adapters place in Result.Data. Provider payloads are
// kept verbatim under DataKeyRaw for audit; control flow never reads it.
const (
	DataKeyTransactionID = "transaction_id"
	DataKeyVaultID       = "vault_id"
	DataKeyStatus        = "status"
	DataKeyTransactions  = "transactions"
	DataKeyRaw           = "raw"
)

// Result is the uniform shape every adapter operation returns. Expected
// business failures (declined card, invalid token) come back as
// Success=false with a message and error code; only infrastructure
// faults surface as Go errors.
type Result struct {
	Success   bool
	Message   string
	Data      map[string]any
	ErrorCode string
}

// OK builds a successful result with the given normalized data.
func OK(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Failed builds a business-failure result.
func Failed(message, code string, data map[string]any) Result {
	return Result{Success: false, Message: message, ErrorCode: code, Data: data}
}

// TransactionID returns the provider transaction id, if present.
func (r Result) TransactionID() string {
	return r.stringValue(DataKeyTransactionID)
}

// VaultID returns the provider vault id, if present.
func (r Result) VaultID() string {
	return r.stringValue(DataKeyVaultID)
}

// Raw returns the opaque provider payload, if the adapter recorded one.
func (r Result) Raw() map[string]any {
	raw, _ := r.Data[DataKeyRaw].(map[string]any)
	return raw
}

func (r Result) stringValue(key string) string {
	value, _ := r.Data[key].(string)
	return strings.TrimSpace(value)
}

// OutcomeKind tags the three ways a charge attempt can end.
type OutcomeKind string

const (
	OutcomeApproved OutcomeKind = "approved"
	OutcomeDeclined OutcomeKind = "declined"
	OutcomeError    OutcomeKind = "error"
)

// ChargeOutcome is the tagged outcome the billing engine branches on.
// Declines are data, not errors; Err is set only for OutcomeError.
type ChargeOutcome struct {
	Kind          OutcomeKind
	TransactionID string
	Reason        string
	Code          string
	Raw           map[string]any
	Err           error
}

// Approved reports whether the charge settled.
func (o ChargeOutcome) Approved() bool { return o.Kind == OutcomeApproved }

// Classify folds an adapter (Result, error) pair into a ChargeOutcome.
func Classify(res Result, err error) ChargeOutcome {
	if err != nil {
		return ChargeOutcome{Kind: OutcomeError, Err: err, Raw: res.Raw()}
	}
	if res.Success {
		return ChargeOutcome{
			Kind:          OutcomeApproved,
			TransactionID: res.TransactionID(),
			Raw:           res.Raw(),
		}
	}
	return ChargeOutcome{
		Kind:          OutcomeDeclined,
		TransactionID: res.TransactionID(),
		Reason:        res.Message,
		Code:          res.ErrorCode,
		Raw:           res.Raw(),
	}
}

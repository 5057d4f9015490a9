package forte

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleco/settle/internal/observability/tracing"
	"github.com/settleco/settle/internal/processor/domain"
)

const (
	ProviderName = "forte"

	envAccessID  = "FORTE_API_ACCESS_ID"
	envSecretKey = "FORTE_API_SECRET_KEY"
	envOrgID     = "FORTE_ORG_ID"
	envLocID     = "FORTE_LOC_ID"
	envAPIURL    = "FORTE_API_URL"

	defaultAPIURL = "https://api.forte.net/v3"
)

var RequiredEnvKeys = []string{envAccessID, envSecretKey, envOrgID, envLocID}

type Factory struct{}

func NewFactory() Factory { return Factory{} }

func (Factory) Provider() string { return ProviderName }

func (Factory) New(env domain.Env) (domain.Adapter, error) {
	a := &Adapter{
		accessID:  strings.TrimSpace(env(envAccessID)),
		secretKey: strings.TrimSpace(env(envSecretKey)),
		orgID:     strings.TrimSpace(env(envOrgID)),
		locID:     strings.TrimSpace(env(envLocID)),
		apiURL:    strings.TrimSpace(env(envAPIURL)),
	}
	if a.accessID == "" || a.secretKey == "" || a.orgID == "" || a.locID == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingCredentials, strings.Join(RequiredEnvKeys, ", "))
	}
	if a.apiURL == "" {
		a.apiURL = defaultAPIURL
	}
	a.apiURL = strings.TrimRight(a.apiURL, "/")
	a.httpClient = tracing.WrapHTTPClient(&http.Client{Timeout: 30 * time.Second})
	return a, nil
}

// Adapter speaks the Forte REST v3 API for ACH payments. Vault ids are
// Forte customer tokens; vault tokens are paymethod tokens.
type Adapter struct {
	accessID   string
	secretKey  string
	orgID      string
	locID      string
	apiURL     string
	httpClient *http.Client
}

func (a *Adapter) Name() string { return ProviderName }

type apiResponse struct {
	TransactionID  string `json:"transaction_id"`
	CustomerToken  string `json:"customer_token"`
	PaymethodToken string `json:"paymethod_token"`
	Response       struct {
		ResponseCode string `json:"response_code"`
		ResponseDesc string `json:"response_desc"`
	} `json:"response"`
	Results []map[string]any `json:"results"`
}

// ProcessPayment runs an echeck sale with raw bank account details.
func (a *Adapter) ProcessPayment(ctx context.Context, req domain.PaymentRequest) (domain.Result, error) {
	if req.Bank == nil {
		return domain.Result{}, fmt.Errorf("%w: bank details required", domain.ErrInvalidRequest)
	}
	body := map[string]any{
		"action":               "sale",
		"authorization_amount": amountString(req.AmountCents),
		"echeck": map[string]any{
			"account_holder": req.Bank.Holder,
			"account_number": req.Bank.AccountNumber,
			"routing_number": req.Bank.RoutingNumber,
			"account_type":   accountType(req.Bank.AccountType),
		},
	}
	return a.transact(ctx, http.MethodPost, a.transactionsPath(""), body)
}

// CaptureTransaction is not meaningful for ACH; echeck sales settle on
// their own schedule without an auth/capture split.
func (a *Adapter) CaptureTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	return domain.Result{}, fmt.Errorf("%w: forte does not split auth and capture", domain.ErrNotSupported)
}

// VoidTransaction cancels a transaction that has not yet been originated.
func (a *Adapter) VoidTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	body := map[string]any{
		"action": "void",
	}
	return a.transact(ctx, http.MethodPut, a.transactionsPath(req.TransactionID), body)
}

// RefundTransaction issues a reversing credit against the original
// transaction.
func (a *Adapter) RefundTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	body := map[string]any{
		"action":                  "reverse",
		"authorization_amount":    amountString(req.AmountCents),
		"original_transaction_id": req.TransactionID,
	}
	return a.transact(ctx, http.MethodPost, a.transactionsPath(""), body)
}

// CreateVault creates a Forte customer with an attached echeck
// paymethod. Cards are not supported on this rail.
func (a *Adapter) CreateVault(ctx context.Context, req domain.VaultRequest) (domain.Result, error) {
	if req.Bank == nil {
		return domain.Result{}, fmt.Errorf("%w: forte vaults bank accounts only", domain.ErrNotSupported)
	}
	first, last := splitName(req.Name)
	body := map[string]any{
		"customer_id": req.CustomerID,
		"first_name":  first,
		"last_name":   last,
		"paymethod": map[string]any{
			"echeck": map[string]any{
				"account_holder": req.Bank.Holder,
				"account_number": req.Bank.AccountNumber,
				"routing_number": req.Bank.RoutingNumber,
				"account_type":   accountType(req.Bank.AccountType),
			},
		},
	}

	resp, raw, err := a.do(ctx, http.MethodPost, a.orgPath("/customers"), body)
	if err != nil {
		return domain.Result{}, err
	}
	if !approved(resp) {
		return domain.Failed(resp.Response.ResponseDesc, resp.Response.ResponseCode, map[string]any{domain.DataKeyRaw: raw}), nil
	}
	return domain.OK("customer created", map[string]any{
		domain.DataKeyVaultID: resp.CustomerToken,
		"paymethod_token":     resp.PaymethodToken,
		domain.DataKeyRaw:     raw,
	}), nil
}

// VaultTransaction debits a stored paymethod.
func (a *Adapter) VaultTransaction(ctx context.Context, req domain.VaultChargeRequest) (domain.Result, error) {
	if req.CustomerID == "" || req.VaultToken == "" {
		return domain.Failed("missing customer or paymethod token", domain.CodeInvalidToken, nil), nil
	}
	body := map[string]any{
		"action":               "sale",
		"authorization_amount": amountString(req.AmountCents),
		"customer_token":       req.CustomerID,
		"paymethod_token":      req.VaultToken,
		"reference_id":         req.ReferenceID,
	}
	return a.transact(ctx, http.MethodPost, a.transactionsPath(""), body)
}

// FetchTransactions lists transactions for a stored customer.
func (a *Adapter) FetchTransactions(ctx context.Context, customerID string) (domain.Result, error) {
	path := a.orgPath("/customers/" + customerID + "/transactions")
	resp, raw, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Result{}, err
	}
	return domain.OK("transactions fetched", map[string]any{
		domain.DataKeyTransactions: resp.Results,
		domain.DataKeyRaw:          raw,
	}), nil
}

// Probe reads the location resource to verify credentials and routing.
func (a *Adapter) Probe(ctx context.Context) error {
	path := fmt.Sprintf("/organizations/%s/locations/%s", a.orgID, a.locID)
	_, _, err := a.do(ctx, http.MethodGet, path, nil)
	return err
}

func (a *Adapter) transactionsPath(transactionID string) string {
	path := a.orgPath("/transactions")
	if transactionID != "" {
		path += "/" + transactionID
	}
	return path
}

func (a *Adapter) orgPath(suffix string) string {
	return fmt.Sprintf("/organizations/%s/locations/%s%s", a.orgID, a.locID, suffix)
}

func (a *Adapter) transact(ctx context.Context, method, path string, body map[string]any) (domain.Result, error) {
	resp, raw, err := a.do(ctx, method, path, body)
	if err != nil {
		return domain.Result{}, err
	}

	data := map[string]any{
		domain.DataKeyTransactionID: resp.TransactionID,
		domain.DataKeyStatus:        resp.Response.ResponseCode,
		domain.DataKeyRaw:           raw,
	}
	if !approved(resp) {
		reason := resp.Response.ResponseDesc
		if reason == "" {
			reason = "transaction not approved"
		}
		return domain.Failed(reason, resp.Response.ResponseCode, data), nil
	}
	return domain.OK(resp.Response.ResponseDesc, data), nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body map[string]any) (*apiResponse, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.SetBasicAuth(a.accessID, a.secretKey)
	req.Header.Set("X-Forte-Auth-Organization-Id", a.orgID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var parsed apiResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, nil, fmt.Errorf("decode gateway response: %w", err)
		}
	}
	// 4xx responses still carry a response envelope with the failure
	// code; treat them as business results, not transport faults.
	if resp.StatusCode >= http.StatusBadRequest && parsed.Response.ResponseCode == "" {
		return nil, nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	var rawMap map[string]any
	_ = json.Unmarshal(raw, &rawMap)
	return &parsed, rawMap, nil
}

// approved reports whether Forte accepted the request. A00 codes are
// approvals; everything else is a decline.
func approved(resp *apiResponse) bool {
	return strings.HasPrefix(resp.Response.ResponseCode, "A")
}

func accountType(t string) string {
	switch strings.ToLower(t) {
	case "savings":
		return "savings"
	default:
		return "checking"
	}
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], parts[0]
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func amountString(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2)
}

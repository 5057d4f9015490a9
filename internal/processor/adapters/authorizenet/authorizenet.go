package authorizenet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleco/settle/internal/observability/tracing"
	"github.com/settleco/settle/internal/processor/domain"
)

const (
	ProviderName = "authorizenet"

	envLoginID        = "AUTHNET_API_LOGIN_ID"
	envTransactionKey = "AUTHNET_TRANSACTION_KEY"
	envAPIURL         = "AUTHNET_API_URL"

	defaultAPIURL = "https://api.authorize.net/xml/v1/request.api"
)

// RequiredEnvKeys enumerates the credentials this adapter needs. The
// API URL is optional and defaults to the production endpoint.
var RequiredEnvKeys = []string{envLoginID, envTransactionKey}

type Factory struct{}

func NewFactory() Factory { return Factory{} }

func (Factory) Provider() string { return ProviderName }

func (Factory) New(env domain.Env) (domain.Adapter, error) {
	loginID := strings.TrimSpace(env(envLoginID))
	transactionKey := strings.TrimSpace(env(envTransactionKey))
	if loginID == "" || transactionKey == "" {
		return nil, fmt.Errorf("%w: %s, %s", domain.ErrMissingCredentials, envLoginID, envTransactionKey)
	}
	apiURL := strings.TrimSpace(env(envAPIURL))
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Adapter{
		loginID:        loginID,
		transactionKey: transactionKey,
		apiURL:         apiURL,
		httpClient:     tracing.WrapHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}, nil
}

// Adapter speaks the Authorize.Net JSON API. Vault ids are customer
// profile ids; vault tokens are payment profile ids.
type Adapter struct {
	loginID        string
	transactionKey string
	apiURL         string
	httpClient     *http.Client
}

func (a *Adapter) Name() string { return ProviderName }

type merchantAuth struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type apiMessages struct {
	ResultCode string `json:"resultCode"`
	Message    []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"message"`
}

type transactionResponse struct {
	ResponseCode string `json:"responseCode"`
	TransID      string `json:"transId"`
	Messages     []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"messages"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		ErrorText string `json:"errorText"`
	} `json:"errors"`
}

type apiResponse struct {
	Messages                     apiMessages          `json:"messages"`
	TransactionResponse          *transactionResponse `json:"transactionResponse"`
	CustomerProfileID            string               `json:"customerProfileId"`
	CustomerPaymentProfileIDList []string             `json:"customerPaymentProfileIdList"`
	Transactions                 []map[string]any     `json:"transactions"`
}

func (a *Adapter) auth() merchantAuth {
	return merchantAuth{Name: a.loginID, TransactionKey: a.transactionKey}
}

// ProcessPayment runs a direct authCapture with raw card details.
func (a *Adapter) ProcessPayment(ctx context.Context, req domain.PaymentRequest) (domain.Result, error) {
	if req.Card == nil {
		return domain.Result{}, fmt.Errorf("%w: card details required", domain.ErrInvalidRequest)
	}
	body := map[string]any{
		"createTransactionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"transactionRequest": map[string]any{
				"transactionType": "authCaptureTransaction",
				"amount":          amountString(req.AmountCents),
				"payment": map[string]any{
					"creditCard": map[string]any{
						"cardNumber":     req.Card.Number,
						"expirationDate": req.Card.ExpYear + "-" + req.Card.ExpMonth,
						"cardCode":       req.Card.CVV,
					},
				},
			},
		},
	}
	return a.transact(ctx, body)
}

// CaptureTransaction captures a prior authorization by transaction id.
func (a *Adapter) CaptureTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	body := map[string]any{
		"createTransactionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"transactionRequest": map[string]any{
				"transactionType": "priorAuthCaptureTransaction",
				"amount":          amountString(req.AmountCents),
				"refTransId":      req.TransactionID,
			},
		},
	}
	return a.transact(ctx, body)
}

// VoidTransaction cancels an unsettled transaction.
func (a *Adapter) VoidTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	body := map[string]any{
		"createTransactionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"transactionRequest": map[string]any{
				"transactionType": "voidTransaction",
				"refTransId":      req.TransactionID,
			},
		},
	}
	return a.transact(ctx, body)
}

// RefundTransaction refunds a settled transaction. Zero amount is not
// accepted by the gateway, so the caller supplies the original amount
// for full refunds.
func (a *Adapter) RefundTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Result, error) {
	body := map[string]any{
		"createTransactionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"transactionRequest": map[string]any{
				"transactionType": "refundTransaction",
				"amount":          amountString(req.AmountCents),
				"refTransId":      req.TransactionID,
			},
		},
	}
	return a.transact(ctx, body)
}

var duplicateProfileID = regexp.MustCompile(`ID (\d+)`)

// CreateVault creates a customer profile with an attached payment
// profile. The gateway rejects duplicates per merchantCustomerId with
// E00039 carrying the existing profile id, which makes re-invocation
// effectively an upsert.
func (a *Adapter) CreateVault(ctx context.Context, req domain.VaultRequest) (domain.Result, error) {
	payment := map[string]any{}
	switch {
	case req.Card != nil:
		payment["creditCard"] = map[string]any{
			"cardNumber":     req.Card.Number,
			"expirationDate": req.Card.ExpYear + "-" + req.Card.ExpMonth,
			"cardCode":       req.Card.CVV,
		}
	case req.Bank != nil:
		payment["bankAccount"] = map[string]any{
			"accountType":   req.Bank.AccountType,
			"routingNumber": req.Bank.RoutingNumber,
			"accountNumber": req.Bank.AccountNumber,
			"nameOnAccount": req.Bank.Holder,
		}
	default:
		return domain.Result{}, fmt.Errorf("%w: payment details required", domain.ErrInvalidRequest)
	}

	body := map[string]any{
		"createCustomerProfileRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"profile": map[string]any{
				"merchantCustomerId": req.CustomerID,
				"email":              req.Email,
				"paymentProfiles": map[string]any{
					"customerType": "individual",
					"payment":      payment,
				},
			},
			"validationMode": "none",
		},
	}

	resp, raw, err := a.do(ctx, body)
	if err != nil {
		return domain.Result{}, err
	}

	if resp.Messages.ResultCode != "Ok" {
		code, text := firstMessage(resp.Messages)
		if code == "E00039" {
			// Duplicate profile; reuse the existing id.
			if match := duplicateProfileID.FindStringSubmatch(text); len(match) == 2 {
				return domain.OK("existing profile reused", map[string]any{
					domain.DataKeyVaultID: match[1],
					domain.DataKeyRaw:     raw,
				}), nil
			}
		}
		return domain.Failed(text, code, map[string]any{domain.DataKeyRaw: raw}), nil
	}

	data := map[string]any{
		domain.DataKeyVaultID: resp.CustomerProfileID,
		domain.DataKeyRaw:     raw,
	}
	if len(resp.CustomerPaymentProfileIDList) > 0 {
		data["payment_profile_id"] = resp.CustomerPaymentProfileIDList[0]
	}
	return domain.OK("profile created", data), nil
}

// VaultTransaction charges a stored customer payment profile.
func (a *Adapter) VaultTransaction(ctx context.Context, req domain.VaultChargeRequest) (domain.Result, error) {
	if req.CustomerID == "" || req.VaultToken == "" {
		return domain.Failed("missing customer or payment profile id", domain.CodeInvalidToken, nil), nil
	}
	body := map[string]any{
		"createTransactionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"refId":                  refID(req.ReferenceID),
			"transactionRequest": map[string]any{
				"transactionType": "authCaptureTransaction",
				"amount":          amountString(req.AmountCents),
				"profile": map[string]any{
					"customerProfileId": req.CustomerID,
					"paymentProfile": map[string]any{
						"paymentProfileId": req.VaultToken,
					},
				},
			},
		},
	}
	return a.transact(ctx, body)
}

// FetchTransactions lists transactions recorded against a customer profile.
func (a *Adapter) FetchTransactions(ctx context.Context, customerID string) (domain.Result, error) {
	body := map[string]any{
		"getTransactionListForCustomerRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"customerProfileId":      customerID,
			"sorting": map[string]any{
				"orderBy":         "submitTimeUTC",
				"orderDescending": true,
			},
			"paging": map[string]any{
				"limit":  50,
				"offset": 1,
			},
		},
	}

	resp, raw, err := a.do(ctx, body)
	if err != nil {
		return domain.Result{}, err
	}
	if resp.Messages.ResultCode != "Ok" {
		code, text := firstMessage(resp.Messages)
		return domain.Failed(text, code, map[string]any{domain.DataKeyRaw: raw}), nil
	}
	return domain.OK("transactions fetched", map[string]any{
		domain.DataKeyTransactions: resp.Transactions,
		domain.DataKeyRaw:          raw,
	}), nil
}

// Probe authenticates against the gateway without moving money.
func (a *Adapter) Probe(ctx context.Context) error {
	body := map[string]any{
		"authenticateTestRequest": map[string]any{
			"merchantAuthentication": a.auth(),
		},
	}
	resp, _, err := a.do(ctx, body)
	if err != nil {
		return err
	}
	if resp.Messages.ResultCode != "Ok" {
		code, text := firstMessage(resp.Messages)
		return fmt.Errorf("authenticate test failed: %s %s", code, text)
	}
	return nil
}

// transact submits a createTransactionRequest body and folds the
// gateway's layered response codes into a uniform result.
func (a *Adapter) transact(ctx context.Context, body map[string]any) (domain.Result, error) {
	resp, raw, err := a.do(ctx, body)
	if err != nil {
		return domain.Result{}, err
	}

	tx := resp.TransactionResponse
	if resp.Messages.ResultCode != "Ok" {
		code, text := firstMessage(resp.Messages)
		if tx != nil && len(tx.Errors) > 0 {
			code, text = tx.Errors[0].ErrorCode, tx.Errors[0].ErrorText
		}
		return domain.Failed(text, code, map[string]any{domain.DataKeyRaw: raw}), nil
	}
	if tx == nil {
		return domain.Failed("missing transaction response", domain.CodeProcessingError, map[string]any{domain.DataKeyRaw: raw}), nil
	}

	data := map[string]any{
		domain.DataKeyTransactionID: tx.TransID,
		domain.DataKeyStatus:        tx.ResponseCode,
		domain.DataKeyRaw:           raw,
	}
	// Response code 1 is approved; 2 declined, 3 error, 4 held for review.
	if tx.ResponseCode == "1" {
		return domain.OK("approved", data), nil
	}
	reason := "transaction not approved"
	code := domain.CodeDeclined
	if len(tx.Errors) > 0 {
		reason = tx.Errors[0].ErrorText
		code = tx.Errors[0].ErrorCode
	} else if len(tx.Messages) > 0 {
		reason = tx.Messages[0].Description
		code = tx.Messages[0].Code
	}
	return domain.Failed(reason, code, data), nil
}

func (a *Adapter) do(ctx context.Context, body map[string]any) (*apiResponse, map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	// The gateway prefixes JSON responses with a UTF-8 BOM.
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decode gateway response: %w", err)
	}
	var rawMap map[string]any
	_ = json.Unmarshal(raw, &rawMap)
	return &parsed, rawMap, nil
}

func firstMessage(messages apiMessages) (code, text string) {
	if len(messages.Message) == 0 {
		return domain.CodeProcessingError, "unknown gateway error"
	}
	return messages.Message[0].Code, messages.Message[0].Text
}

func amountString(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2)
}

func refID(reference string) string {
	// The gateway caps refId at 20 characters.
	if len(reference) > 20 {
		return reference[:20]
	}
	return reference
}

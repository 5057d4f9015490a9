package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/settleco/settle/internal/clock"
	"github.com/settleco/settle/internal/config"
	"github.com/settleco/settle/internal/engine"
	"github.com/settleco/settle/internal/processor/adapters"
	"github.com/settleco/settle/internal/processor/adapters/authorizenet"
	"github.com/settleco/settle/internal/processor/adapters/forte"
	"github.com/settleco/settle/internal/processor/adapters/stripe"
	processordomain "github.com/settleco/settle/internal/processor/domain"
	"github.com/settleco/settle/internal/processor/registry"
	receiptdomain "github.com/settleco/settle/internal/receipt/domain"
	receiptservice "github.com/settleco/settle/internal/receipt/service"
)

type memoryLedger struct {
	entries []receiptdomain.Receipt
}

func (m *memoryLedger) Append(ctx context.Context, receipt receiptdomain.Receipt) (receiptdomain.Receipt, error) {
	receipt.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, receipt)
	return receipt, nil
}

func (m *memoryLedger) FindByTransactionID(ctx context.Context, transactionID string) (receiptdomain.Receipt, error) {
	for _, entry := range m.entries {
		if entry.TransactionID == transactionID {
			return entry, nil
		}
	}
	return receiptdomain.Receipt{}, receiptdomain.ErrReceiptNotFound
}

func (m *memoryLedger) List(ctx context.Context, filter receiptdomain.ListFilter) ([]receiptdomain.Receipt, error) {
	var matched []receiptdomain.Receipt
	for _, entry := range m.entries {
		if filter.BillingAccountID != 0 && entry.BillingAccountID != filter.BillingAccountID {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		matched = append(matched, entry)
	}
	return matched, nil
}

type unavailableSelector struct{}

func (unavailableSelector) SmartChoose(ctx context.Context, opts registry.SelectionOptions) (processordomain.Adapter, error) {
	return nil, processordomain.ErrNoProcessorAvailable
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, topic string, payload map[string]any, dedupeKey string) {
}

func newTestServer(t *testing.T, ledger *memoryLedger) *Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	cfg := config.Config{
		HTTPAddr:            ":0",
		ProviderCallTimeout: time.Second,
		ProbeTimeout:        time.Second,
	}
	receipts := receiptservice.New(receiptservice.Params{
		Log:    zap.NewNop(),
		Ledger: ledger,
		Node:   node,
		Clock:  clock.SystemClock{},
	})
	reg := registry.New(registry.Params{
		Log:    zap.NewNop(),
		Config: cfg,
		Adapters: adapters.NewRegistry(
			stripe.NewFactory(),
			authorizenet.NewFactory(),
			forte.NewFactory(),
		),
	})
	eng := engine.New(engine.Params{
		Log:      zap.NewNop(),
		Config:   cfg,
		Clock:    clock.SystemClock{},
		Receipts: receipts,
		Selector: unavailableSelector{},
		Notifier: noopPublisher{},
	})
	return New(Params{
		Log:      zap.NewNop(),
		Config:   cfg,
		DB:       db,
		Engine:   eng,
		Registry: reg,
		Ledger:   ledger,
		Receipts: receipts,
	})
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &memoryLedger{})

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestBillingRunNoProcessor(t *testing.T) {
	s := newTestServer(t, &memoryLedger{})

	rec := doRequest(t, s, http.MethodPost, "/api/billing/run", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", rec.Code, rec.Body.String())
	}
}

func TestBillingRunRateLimited(t *testing.T) {
	s := newTestServer(t, &memoryLedger{})

	var last int
	for i := 0; i < 6; i++ {
		last = doRequest(t, s, http.MethodPost, "/api/billing/run", "").Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("sixth trigger status = %d, want 429", last)
	}
}

func TestListProcessors(t *testing.T) {
	s := newTestServer(t, &memoryLedger{})

	rec := doRequest(t, s, http.MethodGet, "/api/processors", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Processors []registry.Status `json:"processors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Processors) != 3 {
		t.Fatalf("got %d processors, want 3", len(body.Processors))
	}
	if body.Processors[0].Name != "stripe" {
		t.Fatalf("first processor = %q, want stripe", body.Processors[0].Name)
	}
}

func TestUpdateProcessor(t *testing.T) {
	s := newTestServer(t, &memoryLedger{})

	rec := doRequest(t, s, http.MethodPatch, "/api/processors/stripe", `{"enabled": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/processors", "")
	var body struct {
		Processors []registry.Status `json:"processors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, status := range body.Processors {
		if status.Name == "stripe" && status.Enabled {
			t.Fatal("stripe should be disabled")
		}
	}
}

func TestUpdateProcessorUnknown(t *testing.T) {
	s := newTestServer(t, &memoryLedger{})

	rec := doRequest(t, s, http.MethodPatch, "/api/processors/braintree", `{"enabled": false}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUpdateProcessorEmptyBody(t *testing.T) {
	s := newTestServer(t, &memoryLedger{})

	rec := doRequest(t, s, http.MethodPatch, "/api/processors/stripe", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListReceiptsFiltered(t *testing.T) {
	ledger := &memoryLedger{entries: []receiptdomain.Receipt{
		{TransactionID: "txn_1", BillingAccountID: 1, Status: receiptdomain.StatusSuccess},
		{TransactionID: "txn_2", BillingAccountID: 2, Status: receiptdomain.StatusFailed},
	}}
	s := newTestServer(t, ledger)

	rec := doRequest(t, s, http.MethodGet, "/api/receipts?billing_account_id=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Receipts []receiptdomain.Receipt `json:"receipts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Receipts) != 1 || body.Receipts[0].TransactionID != "txn_1" {
		t.Fatalf("receipts = %+v", body.Receipts)
	}
}

func TestGetReceiptNotFound(t *testing.T) {
	s := newTestServer(t, &memoryLedger{})

	rec := doRequest(t, s, http.MethodGet, "/api/receipts/txn_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRefundRejectsFailedReceipt(t *testing.T) {
	ledger := &memoryLedger{entries: []receiptdomain.Receipt{
		{TransactionID: "txn_1", Status: receiptdomain.StatusFailed},
	}}
	s := newTestServer(t, ledger)

	rec := doRequest(t, s, http.MethodPost, "/api/receipts/txn_1/refund", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
}

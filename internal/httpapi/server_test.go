package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/finledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/finledger/pkg/finance"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finance.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	clock := func() int64 { return time.Now().UTC().Unix() }

	allocator, err := finance.NewAllocator(store)
	if err != nil {
		t.Fatalf("allocator init failed: %v", err)
	}
	service, err := finance.NewService(store, allocator, clock)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	aggregator, err := finance.NewAggregator(store, clock)
	if err != nil {
		t.Fatalf("aggregator init failed: %v", err)
	}

	cfg := Config{
		ListenAddr:     ":0",
		AllowedOrigins: []string{"http://localhost:3000"},
		StoreTimeout:   2 * time.Second,
	}
	handler := &httpHandler{
		logger:     zap.NewNop(),
		service:    service,
		aggregator: aggregator,
		cfg:        cfg,
	}
	router := setupRouter(cfg, handler)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func execJSON(t *testing.T, server *httptest.Server, method string, path string, body interface{}, wantStatus int) map[string]json.RawMessage {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if response.StatusCode != wantStatus {
		t.Fatalf("expected status %d, got %d: %s", wantStatus, response.StatusCode, payload)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("decode response: %v: %s", err, payload)
	}
	return envelope
}

func decodeSection(t *testing.T, envelope map[string]json.RawMessage, key string, target interface{}) {
	t.Helper()
	raw, ok := envelope[key]
	if !ok {
		t.Fatalf("response missing %q section", key)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("decode %q: %v", key, err)
	}
}

func errorCode(t *testing.T, envelope map[string]json.RawMessage) string {
	t.Helper()
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	decodeSection(t, envelope, "error", &body)
	return body.Code
}

func TestInvoiceLifecycle(t *testing.T) {
	server := startServer(t)

	created := execJSON(t, server, http.MethodPost, "/api/invoices", map[string]interface{}{
		"property_id": "prop-1",
		"month":       "2026-04",
		"domain":      "rent",
		"amount_due":  "900",
	}, http.StatusCreated)
	var invoice invoicePayload
	decodeSection(t, created, "invoice", &invoice)
	if invoice.Code != "INV001" || invoice.Status != "unpaid" {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}

	fetched := execJSON(t, server, http.MethodGet, "/api/invoices/"+invoice.InvoiceID, nil, http.StatusOK)
	var loaded invoicePayload
	decodeSection(t, fetched, "invoice", &loaded)
	if loaded.InvoiceID != invoice.InvoiceID {
		t.Fatalf("expected %q, got %q", invoice.InvoiceID, loaded.InvoiceID)
	}

	listed := execJSON(t, server, http.MethodGet, "/api/invoices?month=2026-04&domain=rent", nil, http.StatusOK)
	var invoices []invoicePayload
	decodeSection(t, listed, "invoices", &invoices)
	if len(invoices) != 1 {
		t.Fatalf("expected one invoice, got %d", len(invoices))
	}
}

func TestInvoiceValidationAndConflicts(t *testing.T) {
	server := startServer(t)

	badMonth := execJSON(t, server, http.MethodPost, "/api/invoices", map[string]interface{}{
		"property_id": "prop-1",
		"month":       "2026-4",
		"domain":      "rent",
		"amount_due":  "900",
	}, http.StatusBadRequest)
	if errorCode(t, badMonth) != "validation_error" {
		t.Fatalf("expected validation_error, got %q", errorCode(t, badMonth))
	}

	execJSON(t, server, http.MethodPost, "/api/invoices", map[string]interface{}{
		"property_id": "prop-1",
		"month":       "2026-04",
		"domain":      "rent",
		"amount_due":  "900",
	}, http.StatusCreated)

	duplicate := execJSON(t, server, http.MethodPost, "/api/invoices", map[string]interface{}{
		"property_id": "prop-1",
		"month":       "2026-04",
		"domain":      "rent",
		"amount_due":  "900",
	}, http.StatusConflict)
	if errorCode(t, duplicate) != "duplicate_period" {
		t.Fatalf("expected duplicate_period, got %q", errorCode(t, duplicate))
	}

	missing := execJSON(t, server, http.MethodGet, "/api/invoices/00000000-0000-0000-0000-000000000000", nil, http.StatusNotFound)
	if errorCode(t, missing) != "not_found" {
		t.Fatalf("expected not_found, got %q", errorCode(t, missing))
	}
}

func TestPaymentFlow(t *testing.T) {
	server := startServer(t)

	created := execJSON(t, server, http.MethodPost, "/api/invoices", map[string]interface{}{
		"property_id": "prop-1",
		"month":       "2026-04",
		"domain":      "rent",
		"amount_due":  "900",
	}, http.StatusCreated)
	var invoice invoicePayload
	decodeSection(t, created, "invoice", &invoice)

	paid := execJSON(t, server, http.MethodPost, "/api/payments", map[string]interface{}{
		"invoice_id": invoice.InvoiceID,
		"amount":     "300",
		"method":     "cash",
	}, http.StatusCreated)
	var payment paymentPayload
	decodeSection(t, paid, "payment", &payment)
	if payment.Code != "PAY001" {
		t.Fatalf("expected PAY001, got %q", payment.Code)
	}

	fetched := execJSON(t, server, http.MethodGet, "/api/invoices/"+invoice.InvoiceID, nil, http.StatusOK)
	var afterPayment invoicePayload
	decodeSection(t, fetched, "invoice", &afterPayment)
	if afterPayment.Status != "partially_paid" {
		t.Fatalf("expected partially_paid, got %q", afterPayment.Status)
	}

	overpaid := execJSON(t, server, http.MethodPost, "/api/payments", map[string]interface{}{
		"invoice_id": invoice.InvoiceID,
		"amount":     "601",
		"method":     "cash",
	}, http.StatusConflict)
	if errorCode(t, overpaid) != "overpayment" {
		t.Fatalf("expected overpayment, got %q", errorCode(t, overpaid))
	}

	listed := execJSON(t, server, http.MethodGet, "/api/payments?limit=10", nil, http.StatusOK)
	var payments []paymentPayload
	decodeSection(t, listed, "payments", &payments)
	if len(payments) != 1 {
		t.Fatalf("expected one payment, got %d", len(payments))
	}
}

func TestReportEndpoints(t *testing.T) {
	server := startServer(t)

	created := execJSON(t, server, http.MethodPost, "/api/invoices", map[string]interface{}{
		"property_id": "prop-1",
		"month":       "2026-04",
		"domain":      "rent",
		"amount_due":  "900",
	}, http.StatusCreated)
	var invoice invoicePayload
	decodeSection(t, created, "invoice", &invoice)
	execJSON(t, server, http.MethodPost, "/api/payments", map[string]interface{}{
		"invoice_id": invoice.InvoiceID,
		"amount":     "300",
		"method":     "bank_transfer",
	}, http.StatusCreated)

	generated := execJSON(t, server, http.MethodPost, "/api/finance-reports/generate", map[string]interface{}{
		"report_type": "summary",
		"month":       "2026-04",
		"notes":       "april close",
	}, http.StatusOK)
	var report reportPayload
	decodeSection(t, generated, "report", &report)
	if report.ReportID == "" {
		t.Fatalf("expected report id")
	}
	if !report.Data.TotalInvoiced.Equal(invoice.AmountDue) {
		t.Fatalf("expected invoiced %s, got %s", invoice.AmountDue, report.Data.TotalInvoiced)
	}

	regenerated := execJSON(t, server, http.MethodPost, "/api/finance-reports/generate", map[string]interface{}{
		"report_type": "summary",
		"month":       "2026-04",
	}, http.StatusOK)
	var second reportPayload
	decodeSection(t, regenerated, "report", &second)
	if second.ReportID != report.ReportID {
		t.Fatalf("regeneration must reuse the report id")
	}

	listed := execJSON(t, server, http.MethodGet, "/api/finance-reports?type=summary&month=2026-04", nil, http.StatusOK)
	var reports []reportPayload
	decodeSection(t, listed, "reports", &reports)
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}

	fetched := execJSON(t, server, http.MethodGet, "/api/finance-reports/"+report.ReportID, nil, http.StatusOK)
	var loaded reportPayload
	decodeSection(t, fetched, "report", &loaded)
	if loaded.Month != "2026-04" {
		t.Fatalf("expected 2026-04, got %q", loaded.Month)
	}
}

func TestReportExportEndpoint(t *testing.T) {
	server := startServer(t)

	generated := execJSON(t, server, http.MethodPost, "/api/finance-reports/generate", map[string]interface{}{
		"report_type": "summary",
		"month":       "2026-04",
	}, http.StatusOK)
	var report reportPayload
	decodeSection(t, generated, "report", &report)

	response, err := server.Client().Get(server.URL + "/api/finance-reports/" + report.ReportID + "/export?format=csv")
	if err != nil {
		t.Fatalf("export request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "text/csv" {
		t.Fatalf("expected text/csv, got %q", contentType)
	}
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !bytes.Contains(payload, []byte("report_type,summary")) {
		t.Fatalf("unexpected csv payload: %s", payload)
	}

	unsupported := execJSON(t, server, http.MethodGet, "/api/finance-reports/"+report.ReportID+"/export?format=xlsx", nil, http.StatusBadRequest)
	if errorCode(t, unsupported) != "unsupported_format" {
		t.Fatalf("expected unsupported_format, got %q", errorCode(t, unsupported))
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t)

	response, err := server.Client().Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
}

package finance

import (
	"context"
	"sync"
	"testing"
)

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) recorded() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	entries := make([]OperationLog, len(logger.entries))
	copy(entries, logger.entries)
	return entries
}

func TestServiceLogsCreateInvoiceOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	invoice := mustCreateInvoice(test, service, defaultPropertyValue, defaultMonthValue, DomainRent, "100")

	entries := logger.recorded()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Operation != operationCreateInvoice || entry.PropertyID != defaultPropertyValue || entry.Month != defaultMonthValue {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Code != invoice.Code {
		test.Fatalf("expected code %q, got %q", invoice.Code, entry.Code)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsPaymentErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.RecordPayment(context.Background(), "missing", mustDecimal(test, "10"), MethodCash); err == nil {
		test.Fatalf("expected error")
	}

	entries := logger.recorded()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Operation != operationRecordPayment || entry.Status != operationStatusError || entry.Error == nil {
		test.Fatalf("expected error log entry, got %+v", entry)
	}
}

func TestAggregatorLogsGenerateReport(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	aggregator := mustNewAggregator(test, store, WithAggregatorLogger(logger))

	if _, err := aggregator.GenerateReport(context.Background(), ReportSummary, mustMonth(test, defaultMonthValue), ""); err != nil {
		test.Fatalf("generate report: %v", err)
	}

	entries := logger.recorded()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Operation != operationGenerateReport || entry.Status != operationStatusOK {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
}

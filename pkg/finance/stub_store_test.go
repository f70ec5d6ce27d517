package finance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

const (
	defaultPropertyValue = "prop-1"
	defaultMonthValue    = "2026-04"
)

type stubStore struct {
	mu           sync.Mutex
	sequences    map[string]int64
	invoices     map[string]Invoice
	payments     []Payment
	reports      map[string]Report
	reportScopes map[string]string
	nextID       int

	nextSequenceError    error
	nextSequenceFailures int
	insertInvoiceError   error
	hasPeriodError       error
	getInvoiceError      error
	insertPaymentError   error
	updatePaidError      error
	updatePaidConflicts  int
	listInvoicesError    error
	listPaymentsError    error
	upsertReportError    error
	getReportError       error
	listReportsError     error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		sequences:    make(map[string]int64),
		invoices:     make(map[string]Invoice),
		reports:      make(map[string]Report),
		reportScopes: make(map[string]string),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) NextSequence(_ context.Context, key string, _ string, _ int) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	// nextSequenceFailures > 0 makes the error transient: it clears after
	// that many calls. Zero keeps the error permanent.
	if store.nextSequenceError != nil {
		err := store.nextSequenceError
		if store.nextSequenceFailures > 0 {
			store.nextSequenceFailures--
			if store.nextSequenceFailures == 0 {
				store.nextSequenceError = nil
			}
		}
		return 0, err
	}
	store.sequences[key]++
	return store.sequences[key], nil
}

func (store *stubStore) InsertInvoice(_ context.Context, invoice Invoice) (Invoice, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertInvoiceError != nil {
		return Invoice{}, store.insertInvoiceError
	}
	if invoice.InvoiceID == "" {
		store.nextID++
		invoice.InvoiceID = fmt.Sprintf("inv-%d", store.nextID)
	}
	store.invoices[invoice.InvoiceID] = invoice
	return invoice, nil
}

func (store *stubStore) HasPeriodInvoice(_ context.Context, propertyID PropertyID, month Month, domain InvoiceDomain) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.hasPeriodError != nil {
		return false, store.hasPeriodError
	}
	for _, invoice := range store.invoices {
		if invoice.PropertyID == propertyID.String() && invoice.Month == month.String() && invoice.Domain == domain {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) GetInvoice(_ context.Context, invoiceID string) (Invoice, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getInvoiceError != nil {
		return Invoice{}, store.getInvoiceError
	}
	invoice, ok := store.invoices[invoiceID]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return invoice, nil
}

func (store *stubStore) GetInvoiceForUpdate(ctx context.Context, invoiceID string) (Invoice, error) {
	return store.GetInvoice(ctx, invoiceID)
}

func (store *stubStore) ListInvoices(_ context.Context, month Month, domains []InvoiceDomain) ([]Invoice, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listInvoicesError != nil {
		return nil, store.listInvoicesError
	}
	wanted := make(map[InvoiceDomain]bool, len(domains))
	for _, domain := range domains {
		wanted[domain] = true
	}
	matched := make([]Invoice, 0)
	for _, invoice := range store.invoices {
		if invoice.Month == month.String() && wanted[invoice.Domain] {
			matched = append(matched, invoice)
		}
	}
	sort.Slice(matched, func(left, right int) bool { return matched[left].Code < matched[right].Code })
	return matched, nil
}

func (store *stubStore) InsertPayment(_ context.Context, payment Payment) (Payment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertPaymentError != nil {
		return Payment{}, store.insertPaymentError
	}
	if payment.PaymentID == "" {
		store.nextID++
		payment.PaymentID = fmt.Sprintf("pay-%d", store.nextID)
	}
	store.payments = append(store.payments, payment)
	return payment, nil
}

func (store *stubStore) UpdateInvoicePaid(_ context.Context, invoiceID string, fromPaid decimal.Decimal, toPaid decimal.Decimal, status InvoiceStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updatePaidError != nil {
		return store.updatePaidError
	}
	if store.updatePaidConflicts > 0 {
		store.updatePaidConflicts--
		return ErrInvoiceConflict
	}
	invoice, ok := store.invoices[invoiceID]
	if !ok || !invoice.AmountPaid.Equal(fromPaid) {
		return ErrInvoiceConflict
	}
	invoice.AmountPaid = toPaid
	invoice.Status = status
	store.invoices[invoiceID] = invoice
	return nil
}

func (store *stubStore) ListPaymentsByMonth(_ context.Context, month Month, domains []InvoiceDomain) ([]Payment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listPaymentsError != nil {
		return nil, store.listPaymentsError
	}
	wanted := make(map[InvoiceDomain]bool, len(domains))
	for _, domain := range domains {
		wanted[domain] = true
	}
	matched := make([]Payment, 0)
	for _, payment := range store.payments {
		invoice, ok := store.invoices[payment.InvoiceID]
		if ok && invoice.Month == month.String() && wanted[invoice.Domain] {
			matched = append(matched, payment)
		}
	}
	return matched, nil
}

func (store *stubStore) ListRecentPayments(_ context.Context, limit int) ([]Payment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listPaymentsError != nil {
		return nil, store.listPaymentsError
	}
	recent := make([]Payment, len(store.payments))
	copy(recent, store.payments)
	sort.Slice(recent, func(left, right int) bool { return recent[left].PaidUnixUTC > recent[right].PaidUnixUTC })
	if len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}

func (store *stubStore) UpsertReport(_ context.Context, report Report) (Report, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.upsertReportError != nil {
		return Report{}, store.upsertReportError
	}
	scope := report.Type.String() + "|" + report.Month
	if existingID, ok := store.reportScopes[scope]; ok {
		report.ReportID = existingID
	} else {
		store.nextID++
		report.ReportID = fmt.Sprintf("rep-%d", store.nextID)
		store.reportScopes[scope] = report.ReportID
	}
	store.reports[report.ReportID] = report
	return report, nil
}

func (store *stubStore) GetReport(_ context.Context, reportID string) (Report, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getReportError != nil {
		return Report{}, store.getReportError
	}
	report, ok := store.reports[reportID]
	if !ok {
		return Report{}, ErrReportNotFound
	}
	return report, nil
}

func (store *stubStore) ListReports(_ context.Context, filter ReportFilter) ([]Report, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listReportsError != nil {
		return nil, store.listReportsError
	}
	matched := make([]Report, 0)
	for _, report := range store.reports {
		if filter.Type != nil && report.Type != *filter.Type {
			continue
		}
		if filter.Month != nil && report.Month != filter.Month.String() {
			continue
		}
		matched = append(matched, report)
	}
	sort.Slice(matched, func(left, right int) bool { return matched[left].GeneratedUnixUTC > matched[right].GeneratedUnixUTC })
	return matched, nil
}

func mustMonth(test *testing.T, raw string) Month {
	test.Helper()
	month, err := NewMonth(raw)
	if err != nil {
		test.Fatalf("month: %v", err)
	}
	return month
}

func mustPropertyID(test *testing.T, raw string) PropertyID {
	test.Helper()
	propertyID, err := NewPropertyID(raw)
	if err != nil {
		test.Fatalf("property id: %v", err)
	}
	return propertyID
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal: %v", err)
	}
	return value
}

func mustNewAllocator(test *testing.T, store Store, options ...AllocatorOption) *Allocator {
	test.Helper()
	allocator, err := NewAllocator(store, options...)
	if err != nil {
		test.Fatalf("allocator: %v", err)
	}
	return allocator
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, mustNewAllocator(test, store), func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func mustNewAggregator(test *testing.T, store Store, options ...AggregatorOption) *Aggregator {
	test.Helper()
	aggregator, err := NewAggregator(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("aggregator: %v", err)
	}
	return aggregator
}

func mustCreateInvoice(test *testing.T, service *Service, property string, month string, domain InvoiceDomain, amountDue string) Invoice {
	test.Helper()
	invoice, err := service.CreateInvoice(
		context.Background(),
		mustPropertyID(test, property),
		mustMonth(test, month),
		domain,
		mustDecimal(test, amountDue),
	)
	if err != nil {
		test.Fatalf("create invoice: %v", err)
	}
	return invoice
}

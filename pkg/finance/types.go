package finance

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Month is a billing period formatted as YYYY-MM.
type Month struct {
	value string
}

// NewMonth validates and normalizes a billing month.
func NewMonth(raw string) (Month, error) {
	trimmed := strings.TrimSpace(raw)
	if !monthPattern.MatchString(trimmed) {
		return Month{}, fmt.Errorf("%w: %q does not match YYYY-MM", ErrInvalidMonth, raw)
	}
	return Month{value: trimmed}, nil
}

// String returns the normalized month.
func (month Month) String() string {
	return month.value
}

// PropertyID identifies the property an invoice belongs to.
type PropertyID struct {
	value string
}

// NewPropertyID validates and normalizes a property id.
func NewPropertyID(raw string) (PropertyID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PropertyID{}, fmt.Errorf("%w: empty value", ErrInvalidPropertyID)
	}
	return PropertyID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PropertyID) String() string {
	return id.value
}

// InvoiceDomain is the financial category of an invoice.
type InvoiceDomain string

const (
	DomainRent    InvoiceDomain = "rent"
	DomainUtility InvoiceDomain = "utility"
	DomainMeal    InvoiceDomain = "meal"
)

// ParseInvoiceDomain validates a raw domain value.
func ParseInvoiceDomain(raw string) (InvoiceDomain, error) {
	switch InvoiceDomain(strings.TrimSpace(raw)) {
	case DomainRent:
		return DomainRent, nil
	case DomainUtility:
		return DomainUtility, nil
	case DomainMeal:
		return DomainMeal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInvoiceDomain, raw)
}

// String returns the stored domain value.
func (domain InvoiceDomain) String() string {
	return string(domain)
}

// SinglePerPeriod reports whether the domain allows at most one invoice
// per (property, month).
func (domain InvoiceDomain) SinglePerPeriod() bool {
	return domain == DomainRent || domain == DomainUtility
}

// InvoiceStatus describes how much of an invoice has been collected.
type InvoiceStatus string

const (
	StatusUnpaid        InvoiceStatus = "unpaid"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusPaid          InvoiceStatus = "paid"
)

// ParseInvoiceStatus validates a raw status value.
func ParseInvoiceStatus(raw string) (InvoiceStatus, error) {
	switch InvoiceStatus(raw) {
	case StatusUnpaid:
		return StatusUnpaid, nil
	case StatusPartiallyPaid:
		return StatusPartiallyPaid, nil
	case StatusPaid:
		return StatusPaid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInvoiceStatus, raw)
}

// String returns the stored status value.
func (status InvoiceStatus) String() string {
	return string(status)
}

// StatusForAmounts derives the invoice status from collected versus due.
// Status is a pure function of the two amounts.
func StatusForAmounts(amountPaid decimal.Decimal, amountDue decimal.Decimal) InvoiceStatus {
	if amountPaid.Sign() == 0 {
		return StatusUnpaid
	}
	if amountPaid.Cmp(amountDue) < 0 {
		return StatusPartiallyPaid
	}
	return StatusPaid
}

// PaymentMethod is the instrument a payment arrived through.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCard         PaymentMethod = "card"
	MethodOnline       PaymentMethod = "online"
)

// ParsePaymentMethod validates a raw method value.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch PaymentMethod(strings.TrimSpace(raw)) {
	case MethodCash:
		return MethodCash, nil
	case MethodBankTransfer:
		return MethodBankTransfer, nil
	case MethodCard:
		return MethodCard, nil
	case MethodOnline:
		return MethodOnline, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
}

// String returns the stored method value.
func (method PaymentMethod) String() string {
	return string(method)
}

// ReportType selects the invoice population a report covers.
type ReportType string

const (
	ReportRent      ReportType = "rent"
	ReportUtilities ReportType = "utilities"
	ReportMeals     ReportType = "meals"
	ReportSummary   ReportType = "summary"
)

// ParseReportType validates a raw report type value.
func ParseReportType(raw string) (ReportType, error) {
	switch ReportType(strings.TrimSpace(raw)) {
	case ReportRent:
		return ReportRent, nil
	case ReportUtilities:
		return ReportUtilities, nil
	case ReportMeals:
		return ReportMeals, nil
	case ReportSummary:
		return ReportSummary, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReportType, raw)
}

// String returns the stored report type value.
func (reportType ReportType) String() string {
	return string(reportType)
}

// Domains returns the invoice domains the report type aggregates over.
func (reportType ReportType) Domains() []InvoiceDomain {
	switch reportType {
	case ReportRent:
		return []InvoiceDomain{DomainRent}
	case ReportUtilities:
		return []InvoiceDomain{DomainUtility}
	case ReportMeals:
		return []InvoiceDomain{DomainMeal}
	default:
		return []InvoiceDomain{DomainRent, DomainUtility, DomainMeal}
	}
}

// ExportFormat is a supported report serialization.
type ExportFormat string

const (
	FormatCSV ExportFormat = "csv"
	FormatPDF ExportFormat = "pdf"
)

// ParseExportFormat validates a raw export format value.
func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
}

// String returns the stored format value.
func (format ExportFormat) String() string {
	return string(format)
}

// NewAmountDue validates an invoice total (zero is a legal due amount).
func NewAmountDue(raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: amount due must not be negative", ErrInvalidAmount)
	}
	return raw, nil
}

// NewPaymentAmount validates a posted payment amount.
func NewPaymentAmount(raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: payment amount must be greater than zero", ErrInvalidAmount)
	}
	return raw, nil
}

// Invoice is a billed amount for one property, month and domain.
type Invoice struct {
	InvoiceID      string
	Code           string
	PropertyID     string
	Month          string
	Domain         InvoiceDomain
	AmountDue      decimal.Decimal
	AmountPaid     decimal.Decimal
	Status         InvoiceStatus
	CreatedUnixUTC int64
}

// Payment is one posting against an invoice.
type Payment struct {
	PaymentID   string
	Code        string
	InvoiceID   string
	Amount      decimal.Decimal
	Method      PaymentMethod
	PaidUnixUTC int64
}

// PropertyTotals is the per-property slice of a report snapshot.
type PropertyTotals struct {
	PropertyID     string          `json:"property_id"`
	TotalInvoiced  decimal.Decimal `json:"total_invoiced"`
	TotalCollected decimal.Decimal `json:"total_collected"`
	Outstanding    decimal.Decimal `json:"outstanding"`
}

// ReportData is the aggregated snapshot persisted with a report.
type ReportData struct {
	ReportType     string           `json:"report_type"`
	Month          string           `json:"month"`
	Notes          string           `json:"notes"`
	TotalInvoiced  decimal.Decimal  `json:"total_invoiced"`
	TotalCollected decimal.Decimal  `json:"total_collected"`
	Outstanding    decimal.Decimal  `json:"outstanding"`
	InvoiceCount   int              `json:"invoice_count"`
	PaymentCount   int              `json:"payment_count"`
	Properties     []PropertyTotals `json:"properties"`
}

// Report is one persisted aggregation snapshot, keyed by (type, month).
type Report struct {
	ReportID         string
	Type             ReportType
	Month            string
	GeneratedUnixUTC int64
	Data             ReportData
}

// ReportFilter narrows a report listing; zero fields match everything.
type ReportFilter struct {
	Type  *ReportType
	Month *Month
}

// Store is the persistence contract used by Allocator, Service and Aggregator.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	NextSequence(ctx context.Context, key string, prefix string, pad int) (int64, error)
	InsertInvoice(ctx context.Context, invoice Invoice) (Invoice, error)
	HasPeriodInvoice(ctx context.Context, propertyID PropertyID, month Month, domain InvoiceDomain) (bool, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, invoiceID string) (Invoice, error)
	ListInvoices(ctx context.Context, month Month, domains []InvoiceDomain) ([]Invoice, error)
	InsertPayment(ctx context.Context, payment Payment) (Payment, error)
	UpdateInvoicePaid(ctx context.Context, invoiceID string, fromPaid decimal.Decimal, toPaid decimal.Decimal, status InvoiceStatus) error
	ListPaymentsByMonth(ctx context.Context, month Month, domains []InvoiceDomain) ([]Payment, error)
	ListRecentPayments(ctx context.Context, limit int) ([]Payment, error)
	UpsertReport(ctx context.Context, report Report) (Report, error)
	GetReport(ctx context.Context, reportID string) (Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]Report, error)
}

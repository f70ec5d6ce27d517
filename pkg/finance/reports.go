package finance

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Aggregator owns Report entities: it reads the invoice/payment population
// for a scope and upserts one snapshot per (reportType, month). It never
// mutates invoices or payments.
type Aggregator struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// AggregatorOption configures an Aggregator instance.
type AggregatorOption func(*Aggregator)

// WithAggregatorLogger wires a logger for report generation callbacks.
func WithAggregatorLogger(logger OperationLogger) AggregatorOption {
	return func(aggregator *Aggregator) {
		aggregator.logger = logger
	}
}

// NewAggregator wires an Aggregator.
func NewAggregator(store Store, now func() int64, options ...AggregatorOption) (*Aggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	aggregator := &Aggregator{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(aggregator)
		}
	}
	return aggregator, nil
}

// GenerateReport aggregates the ledger for (reportType, month) and upserts
// the snapshot. Re-running over an unchanged ledger reproduces identical
// data; only the generation timestamp moves.
func (aggregator *Aggregator) GenerateReport(ctx context.Context, reportType ReportType, month Month, notes string) (Report, error) {
	report, operationError := aggregator.generateReport(ctx, reportType, month, notes)
	if aggregator.logger != nil {
		status := operationStatusOK
		if operationError != nil {
			status = operationStatusError
		}
		aggregator.logger.LogOperation(ctx, OperationLog{
			Operation: operationGenerateReport,
			Month:     month.String(),
			Status:    status,
			Error:     operationError,
		})
	}
	return report, operationError
}

func (aggregator *Aggregator) generateReport(ctx context.Context, reportType ReportType, month Month, notes string) (Report, error) {
	if _, err := ParseReportType(reportType.String()); err != nil {
		return Report{}, err
	}
	domains := reportType.Domains()
	invoices, err := aggregator.store.ListInvoices(ctx, month, domains)
	if err != nil {
		return Report{}, err
	}
	payments, err := aggregator.store.ListPaymentsByMonth(ctx, month, domains)
	if err != nil {
		return Report{}, err
	}
	data := buildReportData(reportType, month, notes, invoices, payments)
	return aggregator.store.UpsertReport(ctx, Report{
		Type:             reportType,
		Month:            month.String(),
		GeneratedUnixUTC: aggregator.nowFn(),
		Data:             data,
	})
}

// GetReport loads one report snapshot by id.
func (aggregator *Aggregator) GetReport(ctx context.Context, reportID string) (Report, error) {
	if reportID == "" {
		return Report{}, fmt.Errorf("%w: empty value", ErrInvalidReportID)
	}
	return aggregator.store.GetReport(ctx, reportID)
}

// ListReports lists snapshots matching the filter, newest first.
func (aggregator *Aggregator) ListReports(ctx context.Context, filter ReportFilter) ([]Report, error) {
	return aggregator.store.ListReports(ctx, filter)
}

// ExportReport serializes one report snapshot in the requested format.
func (aggregator *Aggregator) ExportReport(ctx context.Context, reportID string, format ExportFormat) ([]byte, error) {
	report, err := aggregator.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatCSV:
		return renderCSV(report)
	case FormatPDF:
		return renderPDF(report)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func buildReportData(reportType ReportType, month Month, notes string, invoices []Invoice, payments []Payment) ReportData {
	propertyByInvoice := make(map[string]string, len(invoices))
	invoicedByProperty := make(map[string]decimal.Decimal)
	collectedByProperty := make(map[string]decimal.Decimal)
	totalInvoiced := decimal.Zero
	for _, invoice := range invoices {
		propertyByInvoice[invoice.InvoiceID] = invoice.PropertyID
		invoicedByProperty[invoice.PropertyID] = invoicedByProperty[invoice.PropertyID].Add(invoice.AmountDue)
		totalInvoiced = totalInvoiced.Add(invoice.AmountDue)
	}
	totalCollected := decimal.Zero
	for _, payment := range payments {
		propertyID := propertyByInvoice[payment.InvoiceID]
		collectedByProperty[propertyID] = collectedByProperty[propertyID].Add(payment.Amount)
		totalCollected = totalCollected.Add(payment.Amount)
	}
	propertyIDs := make([]string, 0, len(invoicedByProperty))
	for propertyID := range invoicedByProperty {
		propertyIDs = append(propertyIDs, propertyID)
	}
	sort.Strings(propertyIDs)
	properties := make([]PropertyTotals, 0, len(propertyIDs))
	for _, propertyID := range propertyIDs {
		invoiced := invoicedByProperty[propertyID]
		collected := collectedByProperty[propertyID]
		properties = append(properties, PropertyTotals{
			PropertyID:     propertyID,
			TotalInvoiced:  invoiced,
			TotalCollected: collected,
			Outstanding:    invoiced.Sub(collected),
		})
	}
	return ReportData{
		ReportType:     reportType.String(),
		Month:          month.String(),
		Notes:          notes,
		TotalInvoiced:  totalInvoiced,
		TotalCollected: totalCollected,
		Outstanding:    totalInvoiced.Sub(totalCollected),
		InvoiceCount:   len(invoices),
		PaymentCount:   len(payments),
		Properties:     properties,
	}
}

package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/finledger/pkg/finance"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintInvoiceCode   = "uniq_invoices_code"
	constraintInvoicePeriod = "uniq_invoices_period"
	constraintPaymentCode   = "uniq_payments_code"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	dialectPostgres         = "postgres"
	errorOperationStore     = "store"
	errorSubjectCounter     = "counter"
	errorSubjectInvoice     = "invoice"
	errorSubjectPayment     = "payment"
	errorSubjectReport      = "report"
	errorCodeNext           = "next"
	errorCodeInsert         = "insert"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdatePaid     = "update_paid"
	errorCodeUpsert         = "upsert"
	errorCodeInvalid        = "invalid"
	errorCodeEncodeSnapshot = "encode_snapshot"

	sqlNextSequence = `
		insert into sequence_counters (name, seq, prefix, pad)
		values (?, 1, ?, ?)
		on conflict (name) do update set seq = sequence_counters.seq + 1
		returning seq
	`
)

// Store implements finance.Store using GORM (sqlite and postgres).
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the finance tables. Used for sqlite deployments and tests;
// postgres schemas are managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&SequenceCounter{}, &Invoice{}, &Payment{}, &Report{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore finance.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// NextSequence increments the named counter in one atomic statement,
// creating it on first use. Concurrent first callers land on the same
// conflict target, so exactly one row exists per key.
func (store *Store) NextSequence(ctx context.Context, key string, prefix string, pad int) (int64, error) {
	var result struct {
		Seq int64
	}
	err := store.db.WithContext(ctx).Raw(sqlNextSequence, key, prefix, pad).Scan(&result).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectCounter, errorCodeNext, classifyInfraError(err))
	}
	return result.Seq, nil
}

func (store *Store) InsertInvoice(ctx context.Context, invoice finance.Invoice) (finance.Invoice, error) {
	model := Invoice{
		InvoiceID:  invoice.InvoiceID,
		Code:       invoice.Code,
		PropertyID: invoice.PropertyID,
		Month:      invoice.Month,
		Domain:     invoice.Domain.String(),
		AmountDue:  invoice.AmountDue,
		AmountPaid: invoice.AmountPaid,
		Status:     invoice.Status.String(),
		CreatedAt:  time.Unix(invoice.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isInvoicePeriodConflict(err) {
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, finance.ErrDuplicatePeriod)
	}
	if isInvoiceCodeConflict(err) {
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, finance.ErrDuplicateCode)
	}
	if err != nil {
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeInsert, classifyInfraError(err))
	}
	mapped, err := mapInvoice(model)
	if err != nil {
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) HasPeriodInvoice(ctx context.Context, propertyID finance.PropertyID, month finance.Month, domain finance.InvoiceDomain) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Invoice{}).
		Where("property_id = ? AND month = ? AND domain = ?", propertyID.String(), month.String(), domain.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectInvoice, errorCodeLookup, classifyInfraError(err))
	}
	return count > 0, nil
}

func (store *Store) GetInvoice(ctx context.Context, invoiceID string) (finance.Invoice, error) {
	return store.getInvoice(ctx, invoiceID, false)
}

func (store *Store) GetInvoiceForUpdate(ctx context.Context, invoiceID string) (finance.Invoice, error) {
	return store.getInvoice(ctx, invoiceID, true)
}

func (store *Store) getInvoice(ctx context.Context, invoiceID string, forUpdate bool) (finance.Invoice, error) {
	query := store.db.WithContext(ctx)
	// sqlite has no row locks; its single writer already serializes the
	// read-check-write, so the locking clause applies to postgres only.
	if forUpdate && store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Invoice
	err := query.Where("invoice_id = ?", invoiceID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, finance.ErrInvoiceNotFound)
		}
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, classifyInfraError(err))
	}
	mapped, err := mapInvoice(model)
	if err != nil {
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) ListInvoices(ctx context.Context, month finance.Month, domains []finance.InvoiceDomain) ([]finance.Invoice, error) {
	var rows []Invoice
	err := store.db.WithContext(ctx).
		Where("month = ? AND domain IN ?", month.String(), domainStrings(domains)).
		Order("code ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectInvoice, errorCodeList, classifyInfraError(err))
	}
	invoices := make([]finance.Invoice, 0, len(rows))
	for _, row := range rows {
		invoice, err := mapInvoice(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectInvoice, errorCodeInvalid, err)
		}
		invoices = append(invoices, invoice)
	}
	return invoices, nil
}

func (store *Store) InsertPayment(ctx context.Context, payment finance.Payment) (finance.Payment, error) {
	model := Payment{
		PaymentID: payment.PaymentID,
		Code:      payment.Code,
		InvoiceID: payment.InvoiceID,
		Amount:    payment.Amount,
		Method:    payment.Method.String(),
		PaidAt:    time.Unix(payment.PaidUnixUTC, 0).UTC(),
	}
	if model.PaidAt.IsZero() {
		model.PaidAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isPaymentCodeConflict(err) {
		return finance.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, finance.ErrDuplicateCode)
	}
	if err != nil {
		return finance.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInsert, classifyInfraError(err))
	}
	mapped, err := mapPayment(model)
	if err != nil {
		return finance.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return mapped, nil
}

// UpdateInvoicePaid moves the invoice paid amount from an observed value to
// its successor. Zero rows affected means another writer committed first.
func (store *Store) UpdateInvoicePaid(ctx context.Context, invoiceID string, fromPaid, toPaid decimal.Decimal, status finance.InvoiceStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Invoice{}).
		Where("invoice_id = ? AND amount_paid = ?", invoiceID, fromPaid).
		Updates(map[string]interface{}{
			"amount_paid": toPaid,
			"status":      status.String(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeUpdatePaid, classifyInfraError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectInvoice, errorCodeUpdatePaid, finance.ErrInvoiceConflict)
	}
	return nil
}

func (store *Store) ListPaymentsByMonth(ctx context.Context, month finance.Month, domains []finance.InvoiceDomain) ([]finance.Payment, error) {
	var rows []Payment
	err := store.db.WithContext(ctx).
		Model(&Payment{}).
		Joins("JOIN invoices ON invoices.invoice_id = payments.invoice_id").
		Where("invoices.month = ? AND invoices.domain IN ?", month.String(), domainStrings(domains)).
		Order("payments.code ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, classifyInfraError(err))
	}
	return mapPayments(rows)
}

func (store *Store) ListRecentPayments(ctx context.Context, limit int) ([]finance.Payment, error) {
	var rows []Payment
	err := store.db.WithContext(ctx).
		Order("paid_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, classifyInfraError(err))
	}
	return mapPayments(rows)
}

func (store *Store) UpsertReport(ctx context.Context, report finance.Report) (finance.Report, error) {
	snapshot, err := json.Marshal(report.Data)
	if err != nil {
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeEncodeSnapshot, err)
	}
	model := Report{
		ReportID:    report.ReportID,
		ReportType:  report.Type.String(),
		Month:       report.Month,
		GeneratedAt: time.Unix(report.GeneratedUnixUTC, 0).UTC(),
		Data:        snapshot,
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "report_type"}, {Name: "month"}},
			DoUpdates: clause.AssignmentColumns([]string{"generated_at", "data"}),
		}).
		Create(&model).Error
	if err != nil {
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeUpsert, classifyInfraError(err))
	}
	// The conflict path keeps the existing primary key; re-read the row so
	// callers always see the persisted identity.
	var stored Report
	err = store.db.WithContext(ctx).
		Where("report_type = ? AND month = ?", model.ReportType, model.Month).
		Take(&stored).Error
	if err != nil {
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeGet, classifyInfraError(err))
	}
	mapped, err := mapReport(stored)
	if err != nil {
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) GetReport(ctx context.Context, reportID string) (finance.Report, error) {
	var model Report
	err := store.db.WithContext(ctx).Where("report_id = ?", reportID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeGet, finance.ErrReportNotFound)
		}
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeGet, classifyInfraError(err))
	}
	mapped, err := mapReport(model)
	if err != nil {
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) ListReports(ctx context.Context, filter finance.ReportFilter) ([]finance.Report, error) {
	query := store.db.WithContext(ctx).Model(&Report{})
	if filter.Type != nil {
		query = query.Where("report_type = ?", filter.Type.String())
	}
	if filter.Month != nil {
		query = query.Where("month = ?", filter.Month.String())
	}
	var rows []Report
	err := query.Order("generated_at DESC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReport, errorCodeList, classifyInfraError(err))
	}
	reports := make([]finance.Report, 0, len(rows))
	for _, row := range rows {
		report, err := mapReport(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReport, errorCodeInvalid, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return finance.WrapError(errorOperationStore, subject, code, err)
}

func domainStrings(domains []finance.InvoiceDomain) []string {
	values := make([]string, 0, len(domains))
	for _, domain := range domains {
		values = append(values, domain.String())
	}
	return values
}

func mapInvoice(model Invoice) (finance.Invoice, error) {
	domain, err := finance.ParseInvoiceDomain(model.Domain)
	if err != nil {
		return finance.Invoice{}, err
	}
	status, err := finance.ParseInvoiceStatus(model.Status)
	if err != nil {
		return finance.Invoice{}, err
	}
	return finance.Invoice{
		InvoiceID:      model.InvoiceID,
		Code:           model.Code,
		PropertyID:     model.PropertyID,
		Month:          model.Month,
		Domain:         domain,
		AmountDue:      model.AmountDue,
		AmountPaid:     model.AmountPaid,
		Status:         status,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapPayment(model Payment) (finance.Payment, error) {
	method, err := finance.ParsePaymentMethod(model.Method)
	if err != nil {
		return finance.Payment{}, err
	}
	return finance.Payment{
		PaymentID:   model.PaymentID,
		Code:        model.Code,
		InvoiceID:   model.InvoiceID,
		Amount:      model.Amount,
		Method:      method,
		PaidUnixUTC: model.PaidAt.Unix(),
	}, nil
}

func mapPayments(rows []Payment) ([]finance.Payment, error) {
	payments := make([]finance.Payment, 0, len(rows))
	for _, row := range rows {
		payment, err := mapPayment(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func mapReport(model Report) (finance.Report, error) {
	reportType, err := finance.ParseReportType(model.ReportType)
	if err != nil {
		return finance.Report{}, err
	}
	var data finance.ReportData
	if err := json.Unmarshal(model.Data, &data); err != nil {
		return finance.Report{}, err
	}
	return finance.Report{
		ReportID:         model.ReportID,
		Type:             reportType,
		Month:            model.Month,
		GeneratedUnixUTC: model.GeneratedAt.Unix(),
		Data:             data,
	}, nil
}

func classifyInfraError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return finance.ErrStorageUnavailable
	}
	return err
}

func isInvoiceCodeConflict(err error) bool {
	return isUniqueViolation(err, constraintInvoiceCode, "invoices.code")
}

func isInvoicePeriodConflict(err error) bool {
	return isUniqueViolation(err, constraintInvoicePeriod, "invoices.property_id")
}

func isPaymentCodeConflict(err error) bool {
	return isUniqueViolation(err, constraintPaymentCode, "payments.code")
}

// isUniqueViolation matches one specific constraint: postgres reports the
// constraint name, sqlite only names the violated columns in the message.
func isUniqueViolation(err error, constraintName string, sqliteColumnHint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(err.Error(), sqliteColumnHint)
	}
	return false
}

package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarkoPoloResearchLab/finledger/pkg/finance"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintInvoiceCode   = "uniq_invoices_code"
	constraintInvoicePeriod = "uniq_invoices_period"
	constraintPaymentCode   = "uniq_payments_code"

	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectCounter   = "counter"
	errorSubjectInvoice   = "invoice"
	errorSubjectPayment   = "payment"
	errorSubjectReport    = "report"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeNext         = "next"
	errorCodeInsert       = "insert"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeUpdatePaid   = "update_paid"
	errorCodeUpsert       = "upsert"
	errorCodeInvalid      = "invalid"

	sqlNextSequence = `
		insert into sequence_counters(name, seq, prefix, pad)
		values($1, 1, $2, $3)
		on conflict (name) do update set seq = sequence_counters.seq + 1
		returning seq
	`

	sqlInsertInvoice = `
		insert into invoices(
			invoice_id, code, property_id, month, domain, amount_due, amount_paid, status, created_at
		)
		values(gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, to_timestamp($8))
		returning invoice_id::text
	`

	sqlHasPeriodInvoice = `
		select exists(
			select 1 from invoices where property_id = $1 and month = $2 and domain = $3
		)
	`

	sqlSelectInvoice = `
		select invoice_id::text, code, property_id, month, domain,
			amount_due::text, amount_paid::text, status,
			extract(epoch from created_at)::bigint
		from invoices
		where invoice_id = $1
	`

	sqlSelectInvoiceForUpdate = sqlSelectInvoice + `
		for update
	`

	sqlListInvoices = `
		select invoice_id::text, code, property_id, month, domain,
			amount_due::text, amount_paid::text, status,
			extract(epoch from created_at)::bigint
		from invoices
		where month = $1 and domain = any($2)
		order by code asc
	`

	sqlInsertPayment = `
		insert into payments(payment_id, code, invoice_id, amount, method, paid_at)
		values(gen_random_uuid(), $1, $2, $3, $4, to_timestamp($5))
		returning payment_id::text
	`

	sqlUpdateInvoicePaid = `
		update invoices
		set amount_paid = $2, status = $3
		where invoice_id = $1 and amount_paid = $4
	`

	sqlListPaymentsByMonth = `
		select p.payment_id::text, p.code, p.invoice_id::text, p.amount::text, p.method,
			extract(epoch from p.paid_at)::bigint
		from payments p
		join invoices i on i.invoice_id = p.invoice_id
		where i.month = $1 and i.domain = any($2)
		order by p.code asc
	`

	sqlListRecentPayments = `
		select payment_id::text, code, invoice_id::text, amount::text, method,
			extract(epoch from paid_at)::bigint
		from payments
		order by paid_at desc
		limit $1
	`

	sqlUpsertReport = `
		insert into reports(report_id, report_type, month, generated_at, data)
		values(gen_random_uuid(), $1, $2, to_timestamp($3), $4::jsonb)
		on conflict (report_type, month) do update
		set generated_at = excluded.generated_at, data = excluded.data
		returning report_id::text
	`

	sqlSelectReport = `
		select report_id::text, report_type, month,
			extract(epoch from generated_at)::bigint, data::text
		from reports
		where report_id = $1
	`

	sqlListReports = `
		select report_id::text, report_type, month,
			extract(epoch from generated_at)::bigint, data::text
		from reports
		where ($1::text is null or report_type = $1)
		and ($2::text is null or month = $2)
		order by generated_at desc
	`
)

// querier abstracts pgxpool.Pool and pgx.Tx for the shared statement helpers.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements finance.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements finance.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore finance.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, classifyInfraError(err))
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, classifyInfraError(err))
	}
	return nil
}

func (store *Store) NextSequence(ctx context.Context, key string, prefix string, pad int) (int64, error) {
	return nextSequence(ctx, store.pool, key, prefix, pad)
}

func (store *Store) InsertInvoice(ctx context.Context, invoice finance.Invoice) (finance.Invoice, error) {
	return insertInvoice(ctx, store.pool, invoice)
}

func (store *Store) HasPeriodInvoice(ctx context.Context, propertyID finance.PropertyID, month finance.Month, domain finance.InvoiceDomain) (bool, error) {
	return hasPeriodInvoice(ctx, store.pool, propertyID, month, domain)
}

func (store *Store) GetInvoice(ctx context.Context, invoiceID string) (finance.Invoice, error) {
	return getInvoice(ctx, store.pool, sqlSelectInvoice, invoiceID)
}

func (store *Store) GetInvoiceForUpdate(ctx context.Context, invoiceID string) (finance.Invoice, error) {
	return getInvoice(ctx, store.pool, sqlSelectInvoiceForUpdate, invoiceID)
}

func (store *Store) ListInvoices(ctx context.Context, month finance.Month, domains []finance.InvoiceDomain) ([]finance.Invoice, error) {
	return listInvoices(ctx, store.pool, month, domains)
}

func (store *Store) InsertPayment(ctx context.Context, payment finance.Payment) (finance.Payment, error) {
	return insertPayment(ctx, store.pool, payment)
}

func (store *Store) UpdateInvoicePaid(ctx context.Context, invoiceID string, fromPaid, toPaid decimal.Decimal, status finance.InvoiceStatus) error {
	return updateInvoicePaid(ctx, store.pool, invoiceID, fromPaid, toPaid, status)
}

func (store *Store) ListPaymentsByMonth(ctx context.Context, month finance.Month, domains []finance.InvoiceDomain) ([]finance.Payment, error) {
	return listPaymentsByMonth(ctx, store.pool, month, domains)
}

func (store *Store) ListRecentPayments(ctx context.Context, limit int) ([]finance.Payment, error) {
	return listRecentPayments(ctx, store.pool, limit)
}

func (store *Store) UpsertReport(ctx context.Context, report finance.Report) (finance.Report, error) {
	return upsertReport(ctx, store.pool, report)
}

func (store *Store) GetReport(ctx context.Context, reportID string) (finance.Report, error) {
	return getReport(ctx, store.pool, reportID)
}

func (store *Store) ListReports(ctx context.Context, filter finance.ReportFilter) ([]finance.Report, error) {
	return listReports(ctx, store.pool, filter)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore finance.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) NextSequence(ctx context.Context, key string, prefix string, pad int) (int64, error) {
	return nextSequence(ctx, store.tx, key, prefix, pad)
}

func (store *TxStore) InsertInvoice(ctx context.Context, invoice finance.Invoice) (finance.Invoice, error) {
	return insertInvoice(ctx, store.tx, invoice)
}

func (store *TxStore) HasPeriodInvoice(ctx context.Context, propertyID finance.PropertyID, month finance.Month, domain finance.InvoiceDomain) (bool, error) {
	return hasPeriodInvoice(ctx, store.tx, propertyID, month, domain)
}

func (store *TxStore) GetInvoice(ctx context.Context, invoiceID string) (finance.Invoice, error) {
	return getInvoice(ctx, store.tx, sqlSelectInvoice, invoiceID)
}

func (store *TxStore) GetInvoiceForUpdate(ctx context.Context, invoiceID string) (finance.Invoice, error) {
	return getInvoice(ctx, store.tx, sqlSelectInvoiceForUpdate, invoiceID)
}

func (store *TxStore) ListInvoices(ctx context.Context, month finance.Month, domains []finance.InvoiceDomain) ([]finance.Invoice, error) {
	return listInvoices(ctx, store.tx, month, domains)
}

func (store *TxStore) InsertPayment(ctx context.Context, payment finance.Payment) (finance.Payment, error) {
	return insertPayment(ctx, store.tx, payment)
}

func (store *TxStore) UpdateInvoicePaid(ctx context.Context, invoiceID string, fromPaid, toPaid decimal.Decimal, status finance.InvoiceStatus) error {
	return updateInvoicePaid(ctx, store.tx, invoiceID, fromPaid, toPaid, status)
}

func (store *TxStore) ListPaymentsByMonth(ctx context.Context, month finance.Month, domains []finance.InvoiceDomain) ([]finance.Payment, error) {
	return listPaymentsByMonth(ctx, store.tx, month, domains)
}

func (store *TxStore) ListRecentPayments(ctx context.Context, limit int) ([]finance.Payment, error) {
	return listRecentPayments(ctx, store.tx, limit)
}

func (store *TxStore) UpsertReport(ctx context.Context, report finance.Report) (finance.Report, error) {
	return upsertReport(ctx, store.tx, report)
}

func (store *TxStore) GetReport(ctx context.Context, reportID string) (finance.Report, error) {
	return getReport(ctx, store.tx, reportID)
}

func (store *TxStore) ListReports(ctx context.Context, filter finance.ReportFilter) ([]finance.Report, error) {
	return listReports(ctx, store.tx, filter)
}

func nextSequence(ctx context.Context, q querier, key string, prefix string, pad int) (int64, error) {
	var sequenceValue int64
	err := q.QueryRow(ctx, sqlNextSequence, key, prefix, pad).Scan(&sequenceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectCounter, errorCodeNext, classifyInfraError(err))
	}
	return sequenceValue, nil
}

func insertInvoice(ctx context.Context, q querier, invoice finance.Invoice) (finance.Invoice, error) {
	var invoiceID string
	err := q.QueryRow(ctx, sqlInsertInvoice,
		invoice.Code,
		invoice.PropertyID,
		invoice.Month,
		invoice.Domain.String(),
		invoice.AmountDue.String(),
		invoice.AmountPaid.String(),
		invoice.Status.String(),
		invoice.CreatedUnixUTC,
	).Scan(&invoiceID)
	if isUniqueViolation(err, constraintInvoicePeriod) {
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, finance.ErrDuplicatePeriod)
	}
	if isUniqueViolation(err, constraintInvoiceCode) {
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, finance.ErrDuplicateCode)
	}
	if err != nil {
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeInsert, classifyInfraError(err))
	}
	stored := invoice
	stored.InvoiceID = invoiceID
	return stored, nil
}

func hasPeriodInvoice(ctx context.Context, q querier, propertyID finance.PropertyID, month finance.Month, domain finance.InvoiceDomain) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, sqlHasPeriodInvoice, propertyID.String(), month.String(), domain.String()).Scan(&exists)
	if err != nil {
		return false, wrapStoreError(errorSubjectInvoice, errorCodeLookup, classifyInfraError(err))
	}
	return exists, nil
}

func getInvoice(ctx context.Context, q querier, query string, invoiceID string) (finance.Invoice, error) {
	invoice, err := scanInvoice(q.QueryRow(ctx, query, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, finance.ErrInvoiceNotFound)
		}
		return finance.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, classifyInfraError(err))
	}
	return invoice, nil
}

func listInvoices(ctx context.Context, q querier, month finance.Month, domains []finance.InvoiceDomain) ([]finance.Invoice, error) {
	rows, err := q.Query(ctx, sqlListInvoices, month.String(), domainStrings(domains))
	if err != nil {
		return nil, wrapStoreError(errorSubjectInvoice, errorCodeList, classifyInfraError(err))
	}
	defer rows.Close()
	invoices := make([]finance.Invoice, 0, 32)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectInvoice, errorCodeInvalid, err)
		}
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectInvoice, errorCodeList, classifyInfraError(err))
	}
	return invoices, nil
}

func insertPayment(ctx context.Context, q querier, payment finance.Payment) (finance.Payment, error) {
	var paymentID string
	err := q.QueryRow(ctx, sqlInsertPayment,
		payment.Code,
		payment.InvoiceID,
		payment.Amount.String(),
		payment.Method.String(),
		payment.PaidUnixUTC,
	).Scan(&paymentID)
	if isUniqueViolation(err, constraintPaymentCode) {
		return finance.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, finance.ErrDuplicateCode)
	}
	if err != nil {
		return finance.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInsert, classifyInfraError(err))
	}
	stored := payment
	stored.PaymentID = paymentID
	return stored, nil
}

func updateInvoicePaid(ctx context.Context, q querier, invoiceID string, fromPaid, toPaid decimal.Decimal, status finance.InvoiceStatus) error {
	tag, err := q.Exec(ctx, sqlUpdateInvoicePaid, invoiceID, toPaid.String(), status.String(), fromPaid.String())
	if err != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeUpdatePaid, classifyInfraError(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectInvoice, errorCodeUpdatePaid, finance.ErrInvoiceConflict)
	}
	return nil
}

func listPaymentsByMonth(ctx context.Context, q querier, month finance.Month, domains []finance.InvoiceDomain) ([]finance.Payment, error) {
	rows, err := q.Query(ctx, sqlListPaymentsByMonth, month.String(), domainStrings(domains))
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, classifyInfraError(err))
	}
	defer rows.Close()
	return scanPayments(rows)
}

func listRecentPayments(ctx context.Context, q querier, limit int) ([]finance.Payment, error) {
	rows, err := q.Query(ctx, sqlListRecentPayments, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, classifyInfraError(err))
	}
	defer rows.Close()
	return scanPayments(rows)
}

func upsertReport(ctx context.Context, q querier, report finance.Report) (finance.Report, error) {
	snapshot, err := json.Marshal(report.Data)
	if err != nil {
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeInvalid, err)
	}
	var reportID string
	err = q.QueryRow(ctx, sqlUpsertReport,
		report.Type.String(),
		report.Month,
		report.GeneratedUnixUTC,
		string(snapshot),
	).Scan(&reportID)
	if err != nil {
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeUpsert, classifyInfraError(err))
	}
	stored := report
	stored.ReportID = reportID
	return stored, nil
}

func getReport(ctx context.Context, q querier, reportID string) (finance.Report, error) {
	report, err := scanReport(q.QueryRow(ctx, sqlSelectReport, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeGet, finance.ErrReportNotFound)
		}
		return finance.Report{}, wrapStoreError(errorSubjectReport, errorCodeGet, classifyInfraError(err))
	}
	return report, nil
}

func listReports(ctx context.Context, q querier, filter finance.ReportFilter) ([]finance.Report, error) {
	var typeFilter *string
	if filter.Type != nil {
		value := filter.Type.String()
		typeFilter = &value
	}
	var monthFilter *string
	if filter.Month != nil {
		value := filter.Month.String()
		monthFilter = &value
	}
	rows, err := q.Query(ctx, sqlListReports, typeFilter, monthFilter)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReport, errorCodeList, classifyInfraError(err))
	}
	defer rows.Close()
	reports := make([]finance.Report, 0, 16)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReport, errorCodeInvalid, err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReport, errorCodeList, classifyInfraError(err))
	}
	return reports, nil
}

func scanInvoice(row pgx.Row) (finance.Invoice, error) {
	var (
		invoiceID        string
		code             string
		propertyID       string
		monthValue       string
		domainValue      string
		amountDueValue   string
		amountPaidValue  string
		statusValue      string
		createdAtUnixUTC int64
	)
	if err := row.Scan(
		&invoiceID,
		&code,
		&propertyID,
		&monthValue,
		&domainValue,
		&amountDueValue,
		&amountPaidValue,
		&statusValue,
		&createdAtUnixUTC,
	); err != nil {
		return finance.Invoice{}, err
	}
	domain, err := finance.ParseInvoiceDomain(domainValue)
	if err != nil {
		return finance.Invoice{}, err
	}
	status, err := finance.ParseInvoiceStatus(statusValue)
	if err != nil {
		return finance.Invoice{}, err
	}
	amountDue, err := decimal.NewFromString(amountDueValue)
	if err != nil {
		return finance.Invoice{}, err
	}
	amountPaid, err := decimal.NewFromString(amountPaidValue)
	if err != nil {
		return finance.Invoice{}, err
	}
	return finance.Invoice{
		InvoiceID:      invoiceID,
		Code:           code,
		PropertyID:     propertyID,
		Month:          monthValue,
		Domain:         domain,
		AmountDue:      amountDue,
		AmountPaid:     amountPaid,
		Status:         status,
		CreatedUnixUTC: createdAtUnixUTC,
	}, nil
}

func scanPayments(rows pgx.Rows) ([]finance.Payment, error) {
	payments := make([]finance.Payment, 0, 32)
	for rows.Next() {
		var (
			paymentID     string
			code          string
			invoiceID     string
			amountValue   string
			methodValue   string
			paidAtUnixUTC int64
		)
		if err := rows.Scan(&paymentID, &code, &invoiceID, &amountValue, &methodValue, &paidAtUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		method, err := finance.ParsePaymentMethod(methodValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		amount, err := decimal.NewFromString(amountValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		payments = append(payments, finance.Payment{
			PaymentID:   paymentID,
			Code:        code,
			InvoiceID:   invoiceID,
			Amount:      amount,
			Method:      method,
			PaidUnixUTC: paidAtUnixUTC,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, classifyInfraError(err))
	}
	return payments, nil
}

func scanReport(row pgx.Row) (finance.Report, error) {
	var (
		reportID          string
		reportTypeValue   string
		monthValue        string
		generatedAtUnix   int64
		snapshotJSONValue string
	)
	if err := row.Scan(&reportID, &reportTypeValue, &monthValue, &generatedAtUnix, &snapshotJSONValue); err != nil {
		return finance.Report{}, err
	}
	reportType, err := finance.ParseReportType(reportTypeValue)
	if err != nil {
		return finance.Report{}, err
	}
	var data finance.ReportData
	if err := json.Unmarshal([]byte(snapshotJSONValue), &data); err != nil {
		return finance.Report{}, err
	}
	return finance.Report{
		ReportID:         reportID,
		Type:             reportType,
		Month:            monthValue,
		GeneratedUnixUTC: generatedAtUnix,
		Data:             data,
	}, nil
}

func domainStrings(domains []finance.InvoiceDomain) []string {
	values := make([]string, 0, len(domains))
	for _, domain := range domains {
		values = append(values, domain.String())
	}
	return values
}

func wrapStoreError(subject string, code string, err error) error {
	return finance.WrapError(errorOperationStore, subject, code, err)
}

func classifyInfraError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return finance.ErrStorageUnavailable
	}
	return err
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}

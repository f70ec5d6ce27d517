package finance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	defaultPaymentAttempts   = 3
	defaultRecentPaymentsCap = 100
	defaultRecentPayments    = 20
)

// Service contains the ledger domain logic over a Store: invoice creation
// with per-domain cardinality rules and atomic payment recording.
type Service struct {
	store           Store
	allocator       *Allocator
	nowFn           func() int64
	logger          OperationLogger
	paymentAttempts int
}

// NewService wires a Service.
func NewService(store Store, allocator *Allocator, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if allocator == nil {
		return nil, fmt.Errorf("%w: allocator dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		allocator:       allocator,
		nowFn:           now,
		paymentAttempts: defaultPaymentAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateInvoice validates the request, enforces the per-domain cardinality
// rule, mints a code under the shared invoice sequence and persists the
// invoice as unpaid.
func (service *Service) CreateInvoice(ctx context.Context, propertyID PropertyID, month Month, domain InvoiceDomain, amountDue decimal.Decimal) (Invoice, error) {
	invoice, operationError := service.createInvoice(ctx, propertyID, month, domain, amountDue)
	service.logOperation(ctx, OperationLog{
		Operation:  operationCreateInvoice,
		PropertyID: propertyID.String(),
		Month:      month.String(),
		Code:       invoice.Code,
		Amount:     amountDue,
		Error:      operationError,
	})
	return invoice, operationError
}

func (service *Service) createInvoice(ctx context.Context, propertyID PropertyID, month Month, domain InvoiceDomain, amountDue decimal.Decimal) (Invoice, error) {
	validDue, err := NewAmountDue(amountDue)
	if err != nil {
		return Invoice{}, err
	}
	// Early cardinality check keeps a duplicate request from burning a
	// sequence value; the check inside the transaction is authoritative.
	if domain.SinglePerPeriod() {
		exists, err := service.store.HasPeriodInvoice(ctx, propertyID, month, domain)
		if err != nil {
			return Invoice{}, err
		}
		if exists {
			return Invoice{}, ErrDuplicatePeriod
		}
	}
	code, err := service.allocator.Allocate(ctx, SequenceKeyInvoice)
	if err != nil {
		return Invoice{}, err
	}
	var created Invoice
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if domain.SinglePerPeriod() {
			exists, err := transactionStore.HasPeriodInvoice(ctx, propertyID, month, domain)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicatePeriod
			}
		}
		inserted, err := transactionStore.InsertInvoice(ctx, Invoice{
			Code:           code,
			PropertyID:     propertyID.String(),
			Month:          month.String(),
			Domain:         domain,
			AmountDue:      validDue,
			AmountPaid:     decimal.Zero,
			Status:         StatusUnpaid,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		created = inserted
		return nil
	})
	if operationError != nil {
		return Invoice{}, operationError
	}
	return created, nil
}

// GetInvoice loads one invoice by id.
func (service *Service) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	if invoiceID == "" {
		return Invoice{}, fmt.Errorf("%w: empty value", ErrInvalidInvoiceID)
	}
	return service.store.GetInvoice(ctx, invoiceID)
}

// ListInvoices lists the invoices for a month, optionally narrowed to one domain.
func (service *Service) ListInvoices(ctx context.Context, month Month, domain *InvoiceDomain) ([]Invoice, error) {
	domains := []InvoiceDomain{DomainRent, DomainUtility, DomainMeal}
	if domain != nil {
		domains = []InvoiceDomain{*domain}
	}
	return service.store.ListInvoices(ctx, month, domains)
}

// RecordPayment posts a payment against an invoice. The insert and the paid
// amount update commit in one transaction; a compare-and-set on the observed
// paid amount serializes concurrent postings against the same invoice, so a
// caller holding a stale total fails with ErrOverpayment instead of
// overshooting.
func (service *Service) RecordPayment(ctx context.Context, invoiceID string, amount decimal.Decimal, method PaymentMethod) (Payment, error) {
	payment, operationError := service.recordPayment(ctx, invoiceID, amount, method)
	service.logOperation(ctx, OperationLog{
		Operation: operationRecordPayment,
		InvoiceID: invoiceID,
		Code:      payment.Code,
		Amount:    amount,
		Error:     operationError,
	})
	return payment, operationError
}

func (service *Service) recordPayment(ctx context.Context, invoiceID string, amount decimal.Decimal, method PaymentMethod) (Payment, error) {
	if invoiceID == "" {
		return Payment{}, fmt.Errorf("%w: empty value", ErrInvalidInvoiceID)
	}
	validAmount, err := NewPaymentAmount(amount)
	if err != nil {
		return Payment{}, err
	}
	if _, err := ParsePaymentMethod(method.String()); err != nil {
		return Payment{}, err
	}
	// Early check keeps a doomed posting from burning a sequence value;
	// the check inside the transaction is authoritative.
	observed, err := service.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Payment{}, err
	}
	if observed.AmountPaid.Add(validAmount).Cmp(observed.AmountDue) > 0 {
		return Payment{}, ErrOverpayment
	}
	code, err := service.allocator.Allocate(ctx, SequenceKeyPayment)
	if err != nil {
		return Payment{}, err
	}
	var recorded Payment
	var operationError error
	for attempt := 0; attempt < service.paymentAttempts; attempt++ {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			invoice, err := transactionStore.GetInvoiceForUpdate(ctx, invoiceID)
			if err != nil {
				return err
			}
			prospectiveTotal := invoice.AmountPaid.Add(validAmount)
			if prospectiveTotal.Cmp(invoice.AmountDue) > 0 {
				return ErrOverpayment
			}
			inserted, err := transactionStore.InsertPayment(ctx, Payment{
				Code:        code,
				InvoiceID:   invoice.InvoiceID,
				Amount:      validAmount,
				Method:      method,
				PaidUnixUTC: service.nowFn(),
			})
			if err != nil {
				return err
			}
			if err := transactionStore.UpdateInvoicePaid(ctx, invoice.InvoiceID, invoice.AmountPaid, prospectiveTotal, StatusForAmounts(prospectiveTotal, invoice.AmountDue)); err != nil {
				return err
			}
			recorded = inserted
			return nil
		})
		if !errors.Is(operationError, ErrInvoiceConflict) {
			break
		}
	}
	if operationError != nil {
		return Payment{}, operationError
	}
	return recorded, nil
}

// ListPayments returns the most recent payments across all invoices.
func (service *Service) ListPayments(ctx context.Context, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = defaultRecentPayments
	}
	if limit > defaultRecentPaymentsCap {
		limit = defaultRecentPaymentsCap
	}
	return service.store.ListRecentPayments(ctx, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

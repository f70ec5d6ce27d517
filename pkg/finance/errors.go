package finance

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the finance core.
var (
	ErrInvalidMonth         = errors.New("invalid month")
	ErrInvalidPropertyID    = errors.New("invalid property id")
	ErrInvalidInvoiceDomain = errors.New("invalid invoice domain")
	ErrInvalidInvoiceStatus = errors.New("invalid invoice status")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrInvalidReportType    = errors.New("invalid report type")
	ErrInvalidInvoiceID     = errors.New("invalid invoice id")
	ErrInvalidReportID      = errors.New("invalid report id")
	ErrInvalidSequenceKey   = errors.New("invalid sequence key")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrReportNotFound       = errors.New("report not found")
	ErrDuplicatePeriod      = errors.New("duplicate invoice period")
	ErrDuplicateCode        = errors.New("duplicate code")
	ErrOverpayment          = errors.New("payment exceeds amount due")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
	ErrInvoiceConflict      = errors.New("concurrent invoice update")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

package finance

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInvoicePrefix = "INV"
	defaultPaymentPrefix = "PAY"
	defaultSequencePad   = 3
	defaultMaxRetries    = 3

	errorSubjectCounter = "counter"
	errorCodeNext       = "next"
)

// SequenceFormat controls how allocated codes are rendered.
type SequenceFormat struct {
	Prefix string
	Pad    int
}

// Allocator issues globally-unique, monotonically increasing display codes
// per named sequence. The store performs the read-increment-write as one
// atomic statement, so any number of concurrent callers observe distinct,
// strictly increasing sequence values.
type Allocator struct {
	store      Store
	formats    map[string]SequenceFormat
	maxRetries uint64
}

// AllocatorOption configures an Allocator instance.
type AllocatorOption func(*Allocator)

// WithSequenceFormat registers or overrides the format for a sequence key.
func WithSequenceFormat(key string, format SequenceFormat) AllocatorOption {
	return func(allocator *Allocator) {
		allocator.formats[key] = format
	}
}

// WithAllocationRetries bounds how often a failed atomic increment is retried.
func WithAllocationRetries(retries uint64) AllocatorOption {
	return func(allocator *Allocator) {
		allocator.maxRetries = retries
	}
}

// NewAllocator wires an Allocator with the invoice and payment sequences.
func NewAllocator(store Store, options ...AllocatorOption) (*Allocator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	allocator := &Allocator{
		store: store,
		formats: map[string]SequenceFormat{
			SequenceKeyInvoice: {Prefix: defaultInvoicePrefix, Pad: defaultSequencePad},
			SequenceKeyPayment: {Prefix: defaultPaymentPrefix, Pad: defaultSequencePad},
		},
		maxRetries: defaultMaxRetries,
	}
	for _, option := range options {
		if option != nil {
			option(allocator)
		}
	}
	return allocator, nil
}

// Allocate atomically increments the counter for key and returns the
// formatted code. Transient store failures are retried with exponential
// backoff; exhaustion surfaces ErrStorageUnavailable.
func (allocator *Allocator) Allocate(ctx context.Context, key string) (string, error) {
	format, known := allocator.formats[key]
	if !known {
		return "", fmt.Errorf("%w: %q", ErrInvalidSequenceKey, key)
	}
	var sequenceValue int64
	attempt := func() error {
		value, err := allocator.store.NextSequence(ctx, key, format.Prefix, format.Pad)
		if err != nil {
			return err
		}
		sequenceValue = value
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), allocator.maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return "", WrapError(operationAllocate, errorSubjectCounter, errorCodeNext, fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}
	return FormatCode(format.Prefix, sequenceValue, format.Pad), nil
}

// FormatCode renders prefix plus the zero-padded sequence value. Values that
// outgrow the pad widen instead of truncating, so earlier shorter codes are
// never reissued.
func FormatCode(prefix string, sequenceValue int64, pad int) string {
	return fmt.Sprintf("%s%0*d", prefix, pad, sequenceValue)
}

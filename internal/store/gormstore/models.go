package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SequenceCounter represents the sequence_counters table.
type SequenceCounter struct {
	Name   string `gorm:"primaryKey"`
	Seq    int64  `gorm:"not null"`
	Prefix string `gorm:"not null"`
	Pad    int    `gorm:"not null"`
}

func (SequenceCounter) TableName() string { return "sequence_counters" }

// Invoice mirrors the invoices table.
type Invoice struct {
	InvoiceID  string          `gorm:"type:uuid;primaryKey"`
	Code       string          `gorm:"not null;index:uniq_invoices_code,unique"`
	// The partial unique index backs the one-invoice-per-period rule for
	// rent and utility; meal invoices stay unconstrained.
	PropertyID string          `gorm:"not null;index:uniq_invoices_period,unique,where:domain <> 'meal',priority:1"`
	Month      string          `gorm:"not null;index:uniq_invoices_period,unique,priority:2"`
	Domain     string          `gorm:"not null;index:uniq_invoices_period,unique,priority:3"`
	AmountDue  decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	AmountPaid decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Status     string          `gorm:"not null"`
	CreatedAt  time.Time       `gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

func (invoice *Invoice) BeforeCreate(tx *gorm.DB) error {
	if invoice.InvoiceID == "" {
		invoice.InvoiceID = uuid.NewString()
	}
	return nil
}

// Payment mirrors the payments table.
type Payment struct {
	PaymentID string          `gorm:"type:uuid;primaryKey"`
	Code      string          `gorm:"not null;index:uniq_payments_code,unique"`
	InvoiceID string          `gorm:"type:uuid;not null;index"`
	Amount    decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Method    string          `gorm:"not null"`
	PaidAt    time.Time       `gorm:"not null;index:idx_payments_paid_at,sort:desc"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}

// Report mirrors the reports table.
type Report struct {
	ReportID    string         `gorm:"type:uuid;primaryKey"`
	ReportType  string         `gorm:"not null;index:uniq_reports_scope,unique,priority:1"`
	Month       string         `gorm:"not null;index:uniq_reports_scope,unique,priority:2"`
	GeneratedAt time.Time      `gorm:"not null;index"`
	Data        datatypes.JSON `gorm:"not null"`
}

func (Report) TableName() string { return "reports" }

func (report *Report) BeforeCreate(tx *gorm.DB) error {
	if report.ReportID == "" {
		report.ReportID = uuid.NewString()
	}
	return nil
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Document type labels as the ERP reports them. Payments and prepayments
// share the Payment endpoint and are distinguished by Type.
const (
	DocTypeInvoice    = "Invoice"
	DocTypePayment    = "Payment"
	DocTypePrepayment = "Prepayment"
)

// MirrorCustomer is the local projection of one ERP customer, keyed by the
// business CustomerID (never the ERP's internal row id).
type MirrorCustomer struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	CustomerID        string          `gorm:"uniqueIndex;size:64;not null" json:"customer_id"`
	CustomerName      string          `gorm:"size:255" json:"customer_name"`
	CustomerClass     string          `gorm:"size:64" json:"customer_class"`
	Email             string          `gorm:"size:255" json:"email"`
	Status            string          `gorm:"size:32" json:"status"`
	Balance           decimal.Decimal `gorm:"type:decimal(20,4)" json:"balance"`
	LastModified      *time.Time      `gorm:"index" json:"last_modified"`
	RawData           []byte          `gorm:"type:json" json:"raw_data"`
	LastSyncTimestamp time.Time       `json:"last_sync_timestamp"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// MirrorInvoice is keyed by (doc_type, reference_number); the same document
// can be re-fetched many times so the surrogate id is never a lookup key.
type MirrorInvoice struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	DocType           string          `gorm:"uniqueIndex:idx_mirror_invoice_key,priority:1;size:32;not null" json:"doc_type"`
	ReferenceNumber   string          `gorm:"uniqueIndex:idx_mirror_invoice_key,priority:2;size:64;not null" json:"reference_number"`
	CustomerID        string          `gorm:"index;size:64" json:"customer_id"`
	Status            string          `gorm:"size:32" json:"status"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	Balance           decimal.Decimal `gorm:"type:decimal(20,4)" json:"balance"`
	DocDate           *time.Time      `json:"doc_date"`
	DueDate           *time.Time      `json:"due_date"`
	LastModified      *time.Time      `gorm:"index" json:"last_modified"`
	RawData           []byte          `gorm:"type:json" json:"raw_data"`
	LastSyncTimestamp time.Time       `json:"last_sync_timestamp"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// MirrorPayment covers both Payment and Prepayment documents.
type MirrorPayment struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	DocType           string          `gorm:"uniqueIndex:idx_mirror_payment_key,priority:1;size:32;not null" json:"doc_type"`
	ReferenceNumber   string          `gorm:"uniqueIndex:idx_mirror_payment_key,priority:2;size:64;not null" json:"reference_number"`
	CustomerID        string          `gorm:"index;size:64" json:"customer_id"`
	Status            string          `gorm:"size:32" json:"status"`
	PaymentAmount     decimal.Decimal `gorm:"type:decimal(20,4)" json:"payment_amount"`
	AppliedAmount     decimal.Decimal `gorm:"type:decimal(20,4)" json:"applied_amount"`
	PaymentDate       *time.Time      `json:"payment_date"`
	LastModified      *time.Time      `gorm:"index" json:"last_modified"`
	RawData           []byte          `gorm:"type:json" json:"raw_data"`
	LastSyncTimestamp time.Time       `json:"last_sync_timestamp"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentInvoiceApplication is one line of a payment's application history.
// The full set for a payment is replaced on every re-fetch; rows are never
// merged individually because the ERP's own history can shrink.
type PaymentInvoiceApplication struct {
	ID                     uint            `gorm:"primary_key" json:"id"`
	PaymentID              uint            `gorm:"index;not null" json:"payment_id"`
	PaymentType            string          `gorm:"size:32;not null" json:"payment_type"`
	PaymentReferenceNumber string          `gorm:"index;size:64;not null" json:"payment_reference_number"`
	InvoiceReferenceNumber string          `gorm:"index;size:64;not null" json:"invoice_reference_number"`
	CustomerID             string          `gorm:"size:64" json:"customer_id"`
	AmountPaid             decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount_paid"`
	Balance                decimal.Decimal `gorm:"type:decimal(20,4)" json:"balance"`
	ApplicationDate        *time.Time      `json:"application_date"`
	ApplicationPeriod      string          `gorm:"size:16" json:"application_period"`
	DocType                string          `gorm:"size:32" json:"doc_type"`
	InvoiceMissing         bool            `gorm:"default:false" json:"invoice_missing"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

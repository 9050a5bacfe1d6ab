package models

import "time"

const (
	SyncJobStatusPending   = "pending"
	SyncJobStatusRunning   = "running"
	SyncJobStatusCompleted = "completed"
	SyncJobStatusFailed    = "failed"
)

const (
	EntityTypeCustomer   = "customer"
	EntityTypeInvoice    = "invoice"
	EntityTypePayment    = "payment"
	EntityTypePrepayment = "prepayment"
)

// SyncJob tracks one long-running date-range sync so clients can poll.
// Status moves pending -> running -> completed|failed and never reverses.
// CursorDate marks how far into the window processing has advanced; a job
// that hits its time budget persists the cursor and is re-dispatched.
type SyncJob struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	EntityType  string     `gorm:"index;size:32;not null" json:"entity_type"`
	StartDate   time.Time  `gorm:"not null" json:"start_date"`
	EndDate     time.Time  `gorm:"not null" json:"end_date"`
	Status      string     `gorm:"index;size:20;not null" json:"status"`
	Created     int        `json:"created"`
	Updated     int        `json:"updated"`
	Total       int        `json:"total"`
	ErrorCount  int        `json:"error_count"`
	ErrorsJSON  []byte     `gorm:"type:json" json:"errors"`
	CreatedBy   string     `gorm:"size:128" json:"created_by"`
	CursorDate  *time.Time `json:"cursor_date"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

package acumatica

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// The stores isolate all persistence behind small interfaces so the session
// manager, sync engine, and reconciler can be exercised against in-memory
// fakes. Production wiring uses the gorm-backed implementations below.

type SessionStore interface {
	// FindValid returns the most recently used valid, unexpired session for
	// a tenant, or nil when none exists.
	FindValid(ctx context.Context, tenantKey string) (*models.CachedSession, error)
	Insert(ctx context.Context, session *models.CachedSession) error
	Touch(ctx context.Context, id uint) error
	// InvalidateCurrent marks every valid session for the tenant invalid.
	InvalidateCurrent(ctx context.Context, tenantKey string) error
	InvalidateExpired(ctx context.Context, tenantKey string) error
	ListValid(ctx context.Context, tenantKey string) ([]models.CachedSession, error)
}

type MirrorStore interface {
	FindByKey(ctx context.Context, table string, key map[string]any) (map[string]any, bool, error)
	Insert(ctx context.Context, table string, values map[string]any) error
	Update(ctx context.Context, table string, key map[string]any, values map[string]any) error
	ListWindow(ctx context.Context, table string, dateColumn string, start, end time.Time) ([]map[string]any, error)
	PaymentByKey(ctx context.Context, docType, referenceNumber string) (*models.MirrorPayment, error)
	InvoiceExists(ctx context.Context, referenceNumber string) (bool, error)
	ReplaceApplications(ctx context.Context, paymentID uint, rows []models.PaymentInvoiceApplication) error
}

type JobStore interface {
	Create(ctx context.Context, job *models.SyncJob) error
	Get(ctx context.Context, id uint) (*models.SyncJob, error)
	MarkRunning(ctx context.Context, id uint) error
	SaveProgress(ctx context.Context, id uint, created, updated, total, errorCount int, errorsJSON []byte, cursor *time.Time) error
	Complete(ctx context.Context, id uint, created, updated, total, errorCount int, errorsJSON []byte) error
	Fail(ctx context.Context, id uint, message string) error
}

func NewStores(db *gorm.DB) (SessionStore, MirrorStore, JobStore) {
	return &gormSessionStore{db: db}, &gormMirrorStore{db: db}, &gormJobStore{db: db}
}

type gormSessionStore struct {
	db *gorm.DB
}

func (s *gormSessionStore) FindValid(ctx context.Context, tenantKey string) (*models.CachedSession, error) {
	var session models.CachedSession
	err := s.db.WithContext(ctx).
		Where("tenant_key = ? AND is_valid = ? AND expires_at > ?", tenantKey, true, time.Now()).
		Order("last_used_at desc").
		Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (s *gormSessionStore) Insert(ctx context.Context, session *models.CachedSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *gormSessionStore) Touch(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.CachedSession{}).
		Where("id = ?", id).
		Update("last_used_at", time.Now()).Error
}

func (s *gormSessionStore) InvalidateCurrent(ctx context.Context, tenantKey string) error {
	return s.db.WithContext(ctx).Model(&models.CachedSession{}).
		Where("tenant_key = ? AND is_valid = ?", tenantKey, true).
		Update("is_valid", false).Error
}

func (s *gormSessionStore) InvalidateExpired(ctx context.Context, tenantKey string) error {
	return s.db.WithContext(ctx).Model(&models.CachedSession{}).
		Where("tenant_key = ? AND is_valid = ? AND expires_at <= ?", tenantKey, true, time.Now()).
		Update("is_valid", false).Error
}

func (s *gormSessionStore) ListValid(ctx context.Context, tenantKey string) ([]models.CachedSession, error) {
	var sessions []models.CachedSession
	err := s.db.WithContext(ctx).
		Where("tenant_key = ? AND is_valid = ?", tenantKey, true).
		Find(&sessions).Error
	return sessions, err
}

type gormMirrorStore struct {
	db *gorm.DB
}

func (s *gormMirrorStore) FindByKey(ctx context.Context, table string, key map[string]any) (map[string]any, bool, error) {
	var row map[string]any
	err := s.db.WithContext(ctx).Table(table).Where(key).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row, true, nil
}

func (s *gormMirrorStore) Insert(ctx context.Context, table string, values map[string]any) error {
	return s.db.WithContext(ctx).Table(table).Create(values).Error
}

// IsDuplicateKey reports whether an insert lost a race against another
// invocation writing the same mirror key. Callers retry as an update.
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *gormMirrorStore) Update(ctx context.Context, table string, key map[string]any, values map[string]any) error {
	return s.db.WithContext(ctx).Table(table).Where(key).Updates(values).Error
}

func (s *gormMirrorStore) ListWindow(ctx context.Context, table string, dateColumn string, start, end time.Time) ([]map[string]any, error) {
	var rows []map[string]any
	err := s.db.WithContext(ctx).Table(table).
		Where(dateColumn+" >= ? AND "+dateColumn+" <= ?", start, end).
		Find(&rows).Error
	return rows, err
}

func (s *gormMirrorStore) PaymentByKey(ctx context.Context, docType, referenceNumber string) (*models.MirrorPayment, error) {
	var payment models.MirrorPayment
	err := s.db.WithContext(ctx).
		Where("doc_type = ? AND reference_number = ?", docType, referenceNumber).
		Take(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (s *gormMirrorStore) InvoiceExists(ctx context.Context, referenceNumber string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.MirrorInvoice{}).
		Where("reference_number = ?", referenceNumber).
		Count(&count).Error
	return count > 0, err
}

// ReplaceApplications deletes the payment's full application set and inserts
// the fresh one in a single transaction. Partial updates are never attempted
// because the ERP's own history can shrink.
func (s *gormMirrorStore) ReplaceApplications(ctx context.Context, paymentID uint, rows []models.PaymentInvoiceApplication) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("payment_id = ?", paymentID).Delete(&models.PaymentInvoiceApplication{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

type gormJobStore struct {
	db *gorm.DB
}

func (s *gormJobStore) Create(ctx context.Context, job *models.SyncJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *gormJobStore) Get(ctx context.Context, id uint) (*models.SyncJob, error) {
	var job models.SyncJob
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *gormJobStore) MarkRunning(ctx context.Context, id uint) error {
	now := time.Now()
	// started_at survives resumed invocations of the same job.
	return s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status IN ?", id, []string{models.SyncJobStatusPending, models.SyncJobStatusRunning}).
		Updates(map[string]interface{}{
			"status":     models.SyncJobStatusRunning,
			"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
		}).Error
}

func (s *gormJobStore) SaveProgress(ctx context.Context, id uint, created, updated, total, errorCount int, errorsJSON []byte, cursor *time.Time) error {
	updates := map[string]interface{}{
		"created":     created,
		"updated":     updated,
		"total":       total,
		"error_count": errorCount,
		"errors_json": errorsJSON,
	}
	if cursor != nil {
		updates["cursor_date"] = cursor
	}
	return s.db.WithContext(ctx).Model(&models.SyncJob{}).Where("id = ?", id).Updates(updates).Error
}

func (s *gormJobStore) Complete(ctx context.Context, id uint, created, updated, total, errorCount int, errorsJSON []byte) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", id, models.SyncJobStatusRunning).
		Updates(map[string]interface{}{
			"status":       models.SyncJobStatusCompleted,
			"created":      created,
			"updated":      updated,
			"total":        total,
			"error_count":  errorCount,
			"errors_json":  errorsJSON,
			"completed_at": now,
		}).Error
}

func (s *gormJobStore) Fail(ctx context.Context, id uint, message string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status IN ?", id, []string{models.SyncJobStatusPending, models.SyncJobStatusRunning}).
		Updates(map[string]interface{}{
			"status":       models.SyncJobStatusFailed,
			"errors_json":  []byte(`[{"key":"","message":` + jsonString(message) + `}]`),
			"completed_at": now,
		}).Error
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

package acumatica

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// In-memory store fakes so session, engine, and reconciler behavior can be
// tested without a database.

type memSessionStore struct {
	mu       sync.Mutex
	sessions []*models.CachedSession
	nextID   uint
}

func (s *memSessionStore) FindValid(ctx context.Context, tenantKey string) (*models.CachedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.CachedSession
	for _, session := range s.sessions {
		if session.TenantKey != tenantKey || !session.IsValid || !session.ExpiresAt.After(time.Now()) {
			continue
		}
		if best == nil || session.LastUsedAt.After(best.LastUsedAt) {
			best = session
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (s *memSessionStore) Insert(ctx context.Context, session *models.CachedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	session.ID = s.nextID
	copied := *session
	s.sessions = append(s.sessions, &copied)
	return nil
}

func (s *memSessionStore) Touch(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.ID == id {
			session.LastUsedAt = time.Now()
		}
	}
	return nil
}

func (s *memSessionStore) InvalidateCurrent(ctx context.Context, tenantKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.TenantKey == tenantKey {
			session.IsValid = false
		}
	}
	return nil
}

func (s *memSessionStore) InvalidateExpired(ctx context.Context, tenantKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.TenantKey == tenantKey && !session.ExpiresAt.After(time.Now()) {
			session.IsValid = false
		}
	}
	return nil
}

func (s *memSessionStore) ListValid(ctx context.Context, tenantKey string) ([]models.CachedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CachedSession
	for _, session := range s.sessions {
		if session.TenantKey == tenantKey && session.IsValid {
			out = append(out, *session)
		}
	}
	return out, nil
}

func (s *memSessionStore) validCount(tenantKey string) int {
	sessions, _ := s.ListValid(context.Background(), tenantKey)
	return len(sessions)
}

type memMirrorStore struct {
	mu           sync.Mutex
	tables       map[string][]map[string]any
	payments     map[string]*models.MirrorPayment
	invoices     map[string]bool
	applications map[uint][]models.PaymentInvoiceApplication
	insertErrFor string
}

func newMemMirrorStore() *memMirrorStore {
	return &memMirrorStore{
		tables:       map[string][]map[string]any{},
		payments:     map[string]*models.MirrorPayment{},
		invoices:     map[string]bool{},
		applications: map[uint][]models.PaymentInvoiceApplication{},
	}
}

func matches(row map[string]any, key map[string]any) bool {
	for column, want := range key {
		if fmt.Sprintf("%v", row[column]) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func (s *memMirrorStore) FindByKey(ctx context.Context, table string, key map[string]any) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[table] {
		if matches(row, key) {
			return row, true, nil
		}
	}
	return nil, false, nil
}

func (s *memMirrorStore) Insert(ctx context.Context, table string, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErrFor != "" {
		for _, v := range values {
			if fmt.Sprintf("%v", v) == s.insertErrFor {
				return fmt.Errorf("forced insert failure for %s", s.insertErrFor)
			}
		}
	}
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.tables[table] = append(s.tables[table], copied)
	return nil
}

func (s *memMirrorStore) Update(ctx context.Context, table string, key map[string]any, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[table] {
		if matches(row, key) {
			for k, v := range values {
				row[k] = v
			}
		}
	}
	return nil
}

func (s *memMirrorStore) ListWindow(ctx context.Context, table string, dateColumn string, start, end time.Time) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, row := range s.tables[table] {
		t, ok := row[dateColumn].(*time.Time)
		if !ok || t == nil {
			continue
		}
		if t.Before(start) || t.After(end) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *memMirrorStore) PaymentByKey(ctx context.Context, docType, referenceNumber string) (*models.MirrorPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[docType+"/"+referenceNumber]
	if !ok {
		return nil, nil
	}
	copied := *payment
	return &copied, nil
}

func (s *memMirrorStore) InvoiceExists(ctx context.Context, referenceNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoices[referenceNumber], nil
}

func (s *memMirrorStore) ReplaceApplications(ctx context.Context, paymentID uint, rows []models.PaymentInvoiceApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applications[paymentID] = append([]models.PaymentInvoiceApplication(nil), rows...)
	return nil
}

func (s *memMirrorStore) rowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

type memJobStore struct {
	mu     sync.Mutex
	jobs   map[uint]*models.SyncJob
	nextID uint
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[uint]*models.SyncJob{}}
}

func (s *memJobStore) Create(ctx context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memJobStore) Get(ctx context.Context, id uint) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) MarkRunning(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = models.SyncJobStatusRunning
		if job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
	}
	return nil
}

func (s *memJobStore) SaveProgress(ctx context.Context, id uint, created, updated, total, errorCount int, errorsJSON []byte, cursor *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Created = created
		job.Updated = updated
		job.Total = total
		job.ErrorCount = errorCount
		job.ErrorsJSON = errorsJSON
		if cursor != nil {
			job.CursorDate = cursor
		}
	}
	return nil
}

func (s *memJobStore) Complete(ctx context.Context, id uint, created, updated, total, errorCount int, errorsJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = models.SyncJobStatusCompleted
		job.Created = created
		job.Updated = updated
		job.Total = total
		job.ErrorCount = errorCount
		job.ErrorsJSON = errorsJSON
		now := time.Now()
		job.CompletedAt = &now
	}
	return nil
}

func (s *memJobStore) Fail(ctx context.Context, id uint, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = models.SyncJobStatusFailed
		now := time.Now()
		job.CompletedAt = &now
	}
	return nil
}

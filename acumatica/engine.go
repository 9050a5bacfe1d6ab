package acumatica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeBudgetSeconds = 480
	defaultPageSize          = 500
	maxReportedRowErrors     = 20
	progressEvery            = 10
)

// RowError is one record that failed to upsert. The batch continues past it.
type RowError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	EntityType string     `json:"entityType"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Total      int        `json:"total"`
	Errors     []RowError `json:"errors"`
	ErrorCount int        `json:"errorCount"`
	DurationMs int64      `json:"durationMs"`
}

// Engine runs incremental and date-range syncs for one entity type.
type Engine struct {
	cfg    *EntityConfig
	sm     *SessionManager
	cred   *models.AcumaticaCredential
	mirror MirrorStore
	jobs   JobStore
	log      *logrus.Logger
	budget   time.Duration
	pageSize int
	now      func() time.Time

	// AfterUpsert runs after each successful upsert. The payment engine hooks
	// the application linker here; hook failures are row-level, not fatal.
	AfterUpsert func(ctx context.Context, rec Record, key map[string]any) error
}

func NewEngine(cfg *EntityConfig, sm *SessionManager, cred *models.AcumaticaCredential, mirror MirrorStore, jobs JobStore) *Engine {
	budget := time.Duration(defaultTimeBudgetSeconds) * time.Second
	if v := os.Getenv("SYNC_TIME_BUDGET_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			budget = time.Duration(n) * time.Second
		}
	}
	pageSize := defaultPageSize
	if v := os.Getenv("ACUMATICA_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	return &Engine{
		cfg:      cfg,
		sm:       sm,
		cred:     cred,
		mirror:   mirror,
		jobs:     jobs,
		log:      config.GetLogger(),
		budget:   budget,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// SyncIncremental pulls everything the ERP modified in the last lookback
// window. Zero lookback reads the per-entity setting.
func (e *Engine) SyncIncremental(ctx context.Context, lookbackMinutes int) (*SyncResult, error) {
	if lookbackMinutes <= 0 {
		lookbackMinutes = models.GetLookbackMinutes(ctx, e.cfg.Name)
	}
	end := e.now()
	start := end.Add(-time.Duration(lookbackMinutes) * time.Minute)
	return e.syncWindow(ctx, start, end, nil, nil)
}

// SyncRange pulls a caller-specified window inline, without job tracking.
func (e *Engine) SyncRange(ctx context.Context, start, end time.Time) (*SyncResult, error) {
	return e.syncWindow(ctx, start, end, nil, nil)
}

// RunJob executes a tracked date-range sync. A job resumed after hitting the
// time budget continues from its persisted cursor with counters intact. When
// the budget runs out again, errBudgetExceeded is returned so the dispatcher
// re-publishes the job instead of failing it.
func (e *Engine) RunJob(ctx context.Context, job *models.SyncJob) (*SyncResult, error) {
	if err := e.jobs.MarkRunning(ctx, job.ID); err != nil {
		return nil, err
	}

	// The cursor points at the first unprocessed record, and the window's
	// lower bound is inclusive so that record is never skipped. Rows sharing
	// the cursor timestamp are re-upserted and recounted on resume; the
	// keyed upsert keeps that harmless to the mirror.
	start := job.StartDate
	if job.CursorDate != nil && job.CursorDate.After(start) {
		start = *job.CursorDate
		e.log.WithFields(logrus.Fields{
			"job_id": job.ID,
			"cursor": start,
		}).Info("resuming sync job from cursor")
	}

	seed := &SyncResult{
		EntityType: e.cfg.Name,
		Created:    job.Created,
		Updated:    job.Updated,
		Total:      job.Total,
		ErrorCount: job.ErrorCount,
	}
	if len(job.ErrorsJSON) > 0 {
		_ = json.Unmarshal(job.ErrorsJSON, &seed.Errors)
	}

	result, err := e.syncWindow(ctx, start, job.EndDate, job, seed)
	if err != nil {
		if errors.Is(err, errBudgetExceeded) {
			return result, err
		}
		_ = e.jobs.Fail(ctx, job.ID, err.Error())
		return result, err
	}

	errorsJSON, _ := json.Marshal(result.Errors)
	if err := e.jobs.Complete(ctx, job.ID, result.Created, result.Updated, result.Total, result.ErrorCount, errorsJSON); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) syncWindow(ctx context.Context, start, end time.Time, job *models.SyncJob, seed *SyncResult) (*SyncResult, error) {
	began := e.now()
	deadline := began.Add(e.budget)

	result := seed
	if result == nil {
		result = &SyncResult{EntityType: e.cfg.Name}
	}

	records, err := e.fetchWindow(ctx, start, end)
	if err != nil {
		return result, err
	}

	e.log.WithFields(logrus.Fields{
		"entity": e.cfg.Name,
		"start":  start,
		"end":    end,
		"count":  len(records),
	}).Info("sync window fetched")

	for i, rec := range records {
		if job != nil && e.now().After(deadline) {
			e.saveJobProgress(ctx, job, result, rec)
			e.log.WithFields(logrus.Fields{
				"job_id":    job.ID,
				"processed": i,
				"remaining": len(records) - i,
			}).Warn("sync time budget exhausted; job will resume")
			return result, errBudgetExceeded
		}

		e.upsertOne(ctx, rec, result)

		if job != nil && result.Total%progressEvery == 0 {
			e.saveJobProgress(ctx, job, result, rec)
		}
	}

	result.DurationMs = e.now().Sub(began).Milliseconds()
	return result, nil
}

func (e *Engine) upsertOne(ctx context.Context, rec Record, result *SyncResult) {
	result.Total++

	key, err := e.cfg.Key(rec)
	if err != nil {
		e.recordRowError(result, "", err)
		return
	}

	values := e.cfg.Fields.Flatten(rec)
	for column, v := range key {
		values[column] = v
	}
	values["raw_data"] = rec.Raw()
	values["last_sync_timestamp"] = e.now()

	_, exists, err := e.mirror.FindByKey(ctx, e.cfg.Table, key)
	if err != nil {
		e.recordRowError(result, keyString(key), err)
		return
	}
	if exists {
		if err := e.mirror.Update(ctx, e.cfg.Table, key, values); err != nil {
			e.recordRowError(result, keyString(key), err)
			return
		}
		result.Updated++
	} else {
		if err := e.mirror.Insert(ctx, e.cfg.Table, values); err != nil {
			// Lost a race with a concurrent sync writing the same key.
			if IsDuplicateKey(err) {
				if uerr := e.mirror.Update(ctx, e.cfg.Table, key, values); uerr != nil {
					e.recordRowError(result, keyString(key), uerr)
					return
				}
				result.Updated++
				return
			}
			e.recordRowError(result, keyString(key), err)
			return
		}
		result.Created++
	}

	if e.AfterUpsert != nil {
		if err := e.AfterUpsert(ctx, rec, key); err != nil {
			e.recordRowError(result, keyString(key), err)
		}
	}
}

func (e *Engine) recordRowError(result *SyncResult, key string, err error) {
	result.ErrorCount++
	if len(result.Errors) < maxReportedRowErrors {
		result.Errors = append(result.Errors, RowError{Key: key, Message: err.Error()})
	}
	e.log.WithError(err).WithFields(logrus.Fields{
		"entity": e.cfg.Name,
		"key":    key,
	}).Error("sync row failed")
}

func (e *Engine) saveJobProgress(ctx context.Context, job *models.SyncJob, result *SyncResult, rec Record) {
	var cursor *time.Time
	if t := rec.Time(e.cfg.DateField); t != nil {
		cursor = t
	}
	errorsJSON, _ := json.Marshal(result.Errors)
	if err := e.jobs.SaveProgress(ctx, job.ID, result.Created, result.Updated, result.Total, result.ErrorCount, errorsJSON, cursor); err != nil {
		e.log.WithError(err).WithField("job_id", job.ID).Warn("failed to persist job progress")
	}
}

// fetchWindow lists records the ERP modified inside [start, end], paging
// with $top/$skip so a wide backfill window never materializes in a single
// response. Each page fetch carries the session manager's own retry-once
// behavior, so a session dying between pages costs one re-login, not the
// window.
func (e *Engine) fetchWindow(ctx context.Context, start, end time.Time) ([]Record, error) {
	filter := e.cfg.DateField + " ge " + FormatDateLiteral(start) +
		" and " + e.cfg.DateField + " le " + FormatDateLiteral(end)
	if e.cfg.BaseFilter != "" {
		filter = e.cfg.BaseFilter + " and " + filter
	}

	pageSize := e.pageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var all []Record
	for offset := 0; ; offset += pageSize {
		params := url.Values{}
		params.Set("$filter", filter)
		params.Set("$top", strconv.Itoa(pageSize))
		params.Set("$skip", strconv.Itoa(offset))
		if e.cfg.Expand != "" {
			params.Set("$expand", e.cfg.Expand)
		}

		page, err := e.sm.GetRecords(ctx, e.cred, e.cfg.Endpoint, params)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// FetchOne does a point lookup by mirror key. ErrNotFound means the ERP
// genuinely has no such document.
func (e *Engine) FetchOne(ctx context.Context, key map[string]any) (Record, error) {
	params := url.Values{}
	if e.cfg.Expand != "" {
		params.Set("$expand", e.cfg.Expand)
	}
	return e.sm.GetRecord(ctx, e.cred, e.cfg.Endpoint, e.cfg.KeyPath(key), params)
}

// SyncOne point-fetches a single document and upserts it into the mirror.
func (e *Engine) SyncOne(ctx context.Context, key map[string]any) error {
	rec, err := e.FetchOne(ctx, key)
	if err != nil {
		return err
	}

	values := e.cfg.Fields.Flatten(rec)
	for column, v := range key {
		values[column] = v
	}
	values["raw_data"] = rec.Raw()
	values["last_sync_timestamp"] = e.now()

	_, exists, err := e.mirror.FindByKey(ctx, e.cfg.Table, key)
	if err != nil {
		return err
	}
	if exists {
		return e.mirror.Update(ctx, e.cfg.Table, key, values)
	}
	return e.mirror.Insert(ctx, e.cfg.Table, values)
}

func keyString(key map[string]any) string {
	if len(key) == 0 {
		return ""
	}
	if ref, ok := key["reference_number"]; ok {
		if docType, ok := key["doc_type"]; ok {
			return fmt.Sprintf("%v/%v", docType, ref)
		}
		return fmt.Sprintf("%v", ref)
	}
	if id, ok := key["customer_id"]; ok {
		return fmt.Sprintf("%v", id)
	}
	return fmt.Sprintf("%v", key)
}

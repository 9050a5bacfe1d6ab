package acumatica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DriftRecord is one mirror row whose compared columns disagree with the ERP.
// Before/After hold the disputed columns only, rendered as strings.
type DriftRecord struct {
	Key    string            `json:"key"`
	Before map[string]string `json:"before"`
	After  map[string]string `json:"after"`
}

// ReconcileResult reports what a reconciliation pass found, and what it
// repaired when fix mode was on.
type ReconcileResult struct {
	EntityType       string        `json:"entityType"`
	Start            time.Time     `json:"start"`
	End              time.Time     `json:"end"`
	ErpCount         int           `json:"erpCount"`
	MirrorCount      int           `json:"mirrorCount"`
	MissingInMirror  []string      `json:"missingInMirror"`
	ConfirmedMissing []string      `json:"confirmedMissing"`
	WindowMismatch   []string      `json:"windowMismatch"`
	Drifted          []DriftRecord `json:"drifted"`
	Fixed            int           `json:"fixed"`
	RepairErrors     []RowError    `json:"repairErrors,omitempty"`
	DurationMs       int64         `json:"durationMs"`
}

// Reconciler compares a date window of the mirror against the ERP and
// optionally repairs divergence. It only ever inserts or updates; mirror rows
// are never deleted, whatever the comparison says.
type Reconciler struct {
	engine *Engine
	mirror MirrorStore
	log    *logrus.Logger
}

func NewReconciler(engine *Engine, mirror MirrorStore) *Reconciler {
	return &Reconciler{engine: engine, mirror: mirror, log: config.GetLogger()}
}

// Reconcile audits the window. With fix set, ERP-only records are upserted
// into the mirror and drifted columns are overwritten with ERP values.
func (r *Reconciler) Reconcile(ctx context.Context, start, end time.Time, fix bool) (*ReconcileResult, error) {
	began := time.Now()
	cfg := r.engine.cfg

	result := &ReconcileResult{
		EntityType: cfg.Name,
		Start:      start,
		End:        end,
	}

	erpRecords, err := r.engine.fetchWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}
	result.ErpCount = len(erpRecords)

	mirrorRows, err := r.mirror.ListWindow(ctx, cfg.Table, "last_modified", start, end)
	if err != nil {
		return nil, err
	}
	result.MirrorCount = len(mirrorRows)

	erpByKey := make(map[string]Record, len(erpRecords))
	erpKeys := make(map[string]map[string]any, len(erpRecords))
	for _, rec := range erpRecords {
		key, err := cfg.Key(rec)
		if err != nil {
			continue
		}
		ks := keyString(key)
		erpByKey[ks] = rec
		erpKeys[ks] = key
	}

	mirrorByKey := make(map[string]map[string]any, len(mirrorRows))
	for _, row := range mirrorRows {
		mirrorByKey[keyString(rowKey(cfg, row))] = row
	}

	for ks, rec := range erpByKey {
		row, ok := mirrorByKey[ks]
		if !ok {
			result.MissingInMirror = append(result.MissingInMirror, ks)
			if fix {
				repair := &SyncResult{}
				r.engine.upsertOne(ctx, rec, repair)
				if repair.ErrorCount > 0 {
					result.RepairErrors = append(result.RepairErrors, repair.Errors...)
				} else {
					result.Fixed++
				}
			}
			continue
		}
		r.compare(ctx, rec, row, erpKeys[ks], ks, fix, result)
	}

	for ks := range mirrorByKey {
		if _, ok := erpByKey[ks]; ok {
			continue
		}
		r.classifyStale(ctx, ks, mirrorByKey[ks], fix, result)
	}

	result.DurationMs = time.Since(began).Milliseconds()
	r.log.WithFields(logrus.Fields{
		"entity":            cfg.Name,
		"erp_count":         result.ErpCount,
		"mirror_count":      result.MirrorCount,
		"missing_in_mirror": len(result.MissingInMirror),
		"confirmed_missing": len(result.ConfirmedMissing),
		"window_mismatch":   len(result.WindowMismatch),
		"drifted":           len(result.Drifted),
		"fixed":             result.Fixed,
	}).Info("reconciliation finished")
	return result, nil
}

func (r *Reconciler) compare(ctx context.Context, rec Record, row map[string]any, key map[string]any, ks string, fix bool, result *ReconcileResult) {
	cfg := r.engine.cfg
	erpValues := cfg.Fields.Flatten(rec)

	drift := DriftRecord{Key: ks, Before: map[string]string{}, After: map[string]string{}}
	changed := make(map[string]any)
	for _, column := range cfg.CompareColumns {
		mirrorVal := displayString(row[column])
		erpVal := displayString(erpValues[column])
		if mirrorVal == erpVal {
			continue
		}
		drift.Before[column] = mirrorVal
		drift.After[column] = erpVal
		changed[column] = erpValues[column]
	}
	if len(changed) == 0 {
		return
	}

	result.Drifted = append(result.Drifted, drift)
	if fix {
		changed["raw_data"] = rec.Raw()
		changed["last_sync_timestamp"] = time.Now()
		if err := r.mirror.Update(ctx, cfg.Table, key, changed); err != nil {
			r.log.WithError(err).WithField("key", ks).Error("failed to repair drifted row")
			result.RepairErrors = append(result.RepairErrors, RowError{Key: ks, Message: err.Error()})
			return
		}
		result.Fixed++
	}
}

// classifyStale decides what a mirror-only row means. The window listing is
// not authoritative: the ERP may have bumped the record's modification date
// out of the window. Only a point lookup answering 404 proves the document
// is actually gone, and even then the mirror row is kept and reported.
func (r *Reconciler) classifyStale(ctx context.Context, ks string, row map[string]any, fix bool, result *ReconcileResult) {
	key := rowKey(r.engine.cfg, row)

	rec, err := r.engine.FetchOne(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			result.ConfirmedMissing = append(result.ConfirmedMissing, ks)
			return
		}
		r.log.WithError(err).WithField("key", ks).Warn("stale-row point lookup failed")
		result.WindowMismatch = append(result.WindowMismatch, ks)
		return
	}

	result.WindowMismatch = append(result.WindowMismatch, ks)
	r.compare(ctx, rec, row, key, ks, fix, result)
}

// rowKey rebuilds a mirror lookup key from a scanned row. Key columns stay
// verbatim strings; zero-padded reference numbers must not be reinterpreted
// as numbers.
func rowKey(cfg *EntityConfig, row map[string]any) map[string]any {
	key := make(map[string]any, len(cfg.KeyColumns))
	for _, column := range cfg.KeyColumns {
		switch v := row[column].(type) {
		case string:
			key[column] = v
		case []byte:
			key[column] = string(v)
		default:
			key[column] = fmt.Sprintf("%v", v)
		}
	}
	return key
}

// displayString normalizes db-scanned and freshly coerced values into a
// comparable form. Decimals compare by numeric value, times by UTC instant.
func displayString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if d, err := decimal.NewFromString(val); err == nil {
			return d.String()
		}
		return val
	case []byte:
		return displayString(string(val))
	case decimal.Decimal:
		return val.String()
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.UTC().Format(time.RFC3339)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case float64:
		return decimal.NewFromFloat(val).String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

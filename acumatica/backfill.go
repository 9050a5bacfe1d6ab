package acumatica

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"github.com/sirupsen/logrus"
)

// BackfillRange syncs a long historical window inline, one chunk at a time,
// so a single oversized ERP response never has to be held in memory. Used by
// the backfill CLI; the HTTP surface goes through SyncJob dispatch instead.
func BackfillRange(ctx context.Context, entityType string, start, end time.Time, chunk time.Duration) (*SyncResult, error) {
	log := config.GetLogger()

	rt, err := newRuntime(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := rt.engineFor(entityType)
	if err != nil {
		return nil, err
	}

	total := &SyncResult{EntityType: entityType}
	for chunkStart := start; chunkStart.Before(end); chunkStart = chunkStart.Add(chunk) {
		chunkEnd := chunkStart.Add(chunk)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		result, err := engine.SyncRange(ctx, chunkStart, chunkEnd)
		if err != nil {
			return total, err
		}
		total.Created += result.Created
		total.Updated += result.Updated
		total.Total += result.Total
		total.ErrorCount += result.ErrorCount
		total.Errors = append(total.Errors, result.Errors...)
		if len(total.Errors) > maxReportedRowErrors {
			total.Errors = total.Errors[:maxReportedRowErrors]
		}

		log.WithFields(logrus.Fields{
			"entity":  entityType,
			"start":   chunkStart,
			"end":     chunkEnd,
			"created": result.Created,
			"updated": result.Updated,
			"errors":  result.ErrorCount,
		}).Info("backfill chunk finished")
	}
	return total, nil
}

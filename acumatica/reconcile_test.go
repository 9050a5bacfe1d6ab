package acumatica

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMirrorCustomer(mirror *memMirrorStore, id, name, balance string, modified time.Time) {
	mirror.tables["mirror_customers"] = append(mirror.tables["mirror_customers"], map[string]any{
		"customer_id":   id,
		"customer_name": name,
		"status":        "Active",
		"balance":       balance,
		"last_modified": &modified,
	})
}

func reconcileWindow() (time.Time, time.Time) {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
}

func TestReconcileDetectsDrift(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	erp.entityBody = `[
		{"CustomerID":{"value":"C1"},"CustomerName":{"value":"Alpha"},"Status":{"value":"Active"},"Balance":{"value":150},"LastModifiedDateTime":{"value":"2024-03-10T08:00:00"}}
	]`
	mirror := newMemMirrorStore()
	seedMirrorCustomer(mirror, "C1", "Alpha", "100", time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC))

	engine := newTestEngine(t, erp, models.EntityTypeCustomer, mirror, newMemJobStore())
	r := &Reconciler{engine: engine, mirror: mirror, log: testLogger()}
	start, end := reconcileWindow()

	result, err := r.Reconcile(context.Background(), start, end, false)
	require.NoError(t, err)

	require.Len(t, result.Drifted, 1)
	assert.Equal(t, "100", result.Drifted[0].Before["balance"])
	assert.Equal(t, "150", result.Drifted[0].After["balance"])
	assert.Equal(t, 0, result.Fixed, "audit mode must not write")

	row, _, _ := mirror.FindByKey(context.Background(), "mirror_customers", map[string]any{"customer_id": "C1"})
	assert.Equal(t, "100", row["balance"], "audit mode leaves the mirror untouched")
}

func TestReconcileFixesDrift(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	erp.entityBody = `[
		{"CustomerID":{"value":"C1"},"CustomerName":{"value":"Alpha"},"Status":{"value":"Active"},"Balance":{"value":150},"LastModifiedDateTime":{"value":"2024-03-10T08:00:00"}}
	]`
	mirror := newMemMirrorStore()
	seedMirrorCustomer(mirror, "C1", "Alpha", "100", time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC))

	engine := newTestEngine(t, erp, models.EntityTypeCustomer, mirror, newMemJobStore())
	r := &Reconciler{engine: engine, mirror: mirror, log: testLogger()}
	start, end := reconcileWindow()

	result, err := r.Reconcile(context.Background(), start, end, true)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Fixed)
	row, _, _ := mirror.FindByKey(context.Background(), "mirror_customers", map[string]any{"customer_id": "C1"})
	balance, ok := row["balance"].(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "150", balance.String())
}

func TestReconcileInsertsMissingRecords(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	erp.entityBody = `[
		{"CustomerID":{"value":"C2"},"CustomerName":{"value":"Beta"},"Status":{"value":"Active"},"Balance":{"value":10},"LastModifiedDateTime":{"value":"2024-03-05T08:00:00"}}
	]`
	mirror := newMemMirrorStore()

	engine := newTestEngine(t, erp, models.EntityTypeCustomer, mirror, newMemJobStore())
	r := &Reconciler{engine: engine, mirror: mirror, log: testLogger()}
	start, end := reconcileWindow()

	result, err := r.Reconcile(context.Background(), start, end, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"C2"}, result.MissingInMirror)
	assert.Equal(t, 1, result.Fixed)
	assert.Equal(t, 1, mirror.rowCount("mirror_customers"))
}

func TestReconcileReportsFailedRepairs(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	erp.entityBody = `[
		{"CustomerID":{"value":"BAD"},"CustomerName":{"value":"Broken"},"Status":{"value":"Active"},"Balance":{"value":10},"LastModifiedDateTime":{"value":"2024-03-05T08:00:00"}}
	]`
	mirror := newMemMirrorStore()
	mirror.insertErrFor = "BAD"

	engine := newTestEngine(t, erp, models.EntityTypeCustomer, mirror, newMemJobStore())
	r := &Reconciler{engine: engine, mirror: mirror, log: testLogger()}
	start, end := reconcileWindow()

	result, err := r.Reconcile(context.Background(), start, end, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"BAD"}, result.MissingInMirror)
	assert.Equal(t, 0, result.Fixed, "a failed upsert must not count as fixed")
	require.Len(t, result.RepairErrors, 1)
	assert.Equal(t, "BAD", result.RepairErrors[0].Key)
	assert.Equal(t, 0, mirror.rowCount("mirror_customers"))
}

func TestReconcileClassifiesStaleRows(t *testing.T) {
	start, end := reconcileWindow()

	t.Run("confirmed missing after 404", func(t *testing.T) {
		erp := newFakeERP()
		defer erp.server.Close()
		erp.pointNotFound.Store(true)
		mirror := newMemMirrorStore()
		seedMirrorCustomer(mirror, "C3", "Gone", "0", time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC))

		engine := newTestEngine(t, erp, models.EntityTypeCustomer, mirror, newMemJobStore())
		r := &Reconciler{engine: engine, mirror: mirror, log: testLogger()}

		result, err := r.Reconcile(context.Background(), start, end, true)
		require.NoError(t, err)

		assert.Equal(t, []string{"C3"}, result.ConfirmedMissing)
		assert.Empty(t, result.WindowMismatch)
		assert.Equal(t, 1, mirror.rowCount("mirror_customers"), "mirror rows are never deleted")
	})

	t.Run("window mismatch when point lookup finds it", func(t *testing.T) {
		erp := newFakeERP()
		defer erp.server.Close()
		erp.objectBody.Store(`{"CustomerID":{"value":"C4"},"CustomerName":{"value":"Moved"},"Status":{"value":"Active"},"Balance":{"value":75},"LastModifiedDateTime":{"value":"2024-05-01T00:00:00"}}`)
		mirror := newMemMirrorStore()
		seedMirrorCustomer(mirror, "C4", "Moved", "75", time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC))

		engine := newTestEngine(t, erp, models.EntityTypeCustomer, mirror, newMemJobStore())
		r := &Reconciler{engine: engine, mirror: mirror, log: testLogger()}

		result, err := r.Reconcile(context.Background(), start, end, false)
		require.NoError(t, err)

		assert.Equal(t, []string{"C4"}, result.WindowMismatch)
		assert.Empty(t, result.ConfirmedMissing)
		assert.Empty(t, result.Drifted, "columns agree; only the window moved")
	})
}

func TestDisplayStringNormalization(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "10.5", displayString("10.500"))
	assert.Equal(t, "10.5", displayString(decimal.NewFromFloat(10.5)))
	assert.Equal(t, displayString(ts), displayString(&ts))
	assert.Equal(t, "", displayString(nil))
	assert.Equal(t, "plain", displayString("plain"))
}

package acumatica

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/gin-gonic/gin"
)

const dateParamLayout = "2006-01-02"

// runtime bundles the per-request wiring: the resolved credential, the
// session manager, and the stores. Built fresh per request; everything
// underneath is cheap except the credential lookup.
type runtime struct {
	cred     *models.AcumaticaCredential
	sm       *SessionManager
	sessions SessionStore
	mirror   MirrorStore
	jobs     JobStore
}

func newRuntime(ctx context.Context) (*runtime, error) {
	db := config.GetDB()
	if db == nil {
		return nil, &ConfigurationError{Msg: "database not ready"}
	}

	tenantKey, _ := utils.GetTenantKeyFromContext(ctx)
	cred, err := models.GetActiveCredential(ctx, tenantKey)
	if err != nil {
		return nil, &ConfigurationError{Msg: err.Error()}
	}

	sessions, mirror, jobs := NewStores(db)
	return &runtime{
		cred:     cred,
		sm:       NewSessionManager(NewClient(), sessions),
		sessions: sessions,
		mirror:   mirror,
		jobs:     jobs,
	}, nil
}

// engineFor builds the entity engine, hooking the application linker onto
// payment and prepayment syncs so the join table follows the documents.
func (rt *runtime) engineFor(entityType string) (*Engine, error) {
	cfg, err := ConfigFor(entityType)
	if err != nil {
		return nil, err
	}
	engine := NewEngine(cfg, rt.sm, rt.cred, rt.mirror, rt.jobs)

	if entityType == models.EntityTypePayment || entityType == models.EntityTypePrepayment {
		invoiceCfg, _ := ConfigFor(models.EntityTypeInvoice)
		invoiceEngine := NewEngine(invoiceCfg, rt.sm, rt.cred, rt.mirror, rt.jobs)
		linker := NewApplicationLinker(rt.sm, rt.cred, rt.mirror, invoiceEngine)
		engine.AfterUpsert = func(ctx context.Context, rec Record, key map[string]any) error {
			docType, _ := key["doc_type"].(string)
			ref, _ := key["reference_number"].(string)
			_, err := linker.LinkFromRecord(ctx, rec, docType, ref, false)
			return err
		}
	}
	return engine, nil
}

func (rt *runtime) linker() *ApplicationLinker {
	invoiceCfg, _ := ConfigFor(models.EntityTypeInvoice)
	invoiceEngine := NewEngine(invoiceCfg, rt.sm, rt.cred, rt.mirror, rt.jobs)
	return NewApplicationLinker(rt.sm, rt.cred, rt.mirror, invoiceEngine)
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
}

func respondResult(c *gin.Context, result *SyncResult) {
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"entityType": result.EntityType,
		"created":    result.Created,
		"updated":    result.Updated,
		"total":      result.Total,
		"errors":     result.Errors,
		"errorCount": result.ErrorCount,
		"durationMs": result.DurationMs,
	})
}

type loginInput struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginHandler authenticates a portal operator and hands out a JWT. The
// token is also cached in redis so middleware can resolve it without
// re-parsing on every request.
func LoginHandler(c *gin.Context) {
	var input loginInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	db := config.GetDB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not ready"})
		return
	}

	var user models.User
	if err := db.WithContext(c.Request.Context()).Where("username = ?", input.Username).Take(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	if err := utils.ComparePassword(user.Password, input.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	token, err := utils.JwtGenerate(user.Username, user.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	_ = config.SetRedisValue("Token:"+token, user.Username, 24*time.Hour)

	c.JSON(http.StatusOK, gin.H{"token": token, "username": user.Username, "role": user.Role})
}

type incrementalInput struct {
	LookbackMinutes int `json:"lookbackMinutes"`
}

// SyncEntityHandler runs an incremental sync inline. An optional body
// lookbackMinutes overrides the configured window for this run.
func SyncEntityHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var input incrementalInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if input.LookbackMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lookbackMinutes must be a positive integer"})
		return
	}
	lookback := input.LookbackMinutes

	rt, err := newRuntime(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	engine, err := rt.engineFor(c.Param("entity"))
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := engine.SyncIncremental(ctx, lookback)
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, result)
}

type rangeInput struct {
	StartDate string `json:"startDate" binding:"required"`
	EndDate   string `json:"endDate" binding:"required"`
	Async     bool   `json:"async"`
}

// SyncRangeHandler syncs an explicit date window. With async set, a SyncJob
// is created and dispatched through Pub/Sub and the job id is returned for
// polling; otherwise the window runs inline.
func SyncRangeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var input rangeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := time.Parse(dateParamLayout, input.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "startDate must be YYYY-MM-DD"})
		return
	}
	end, err := time.Parse(dateParamLayout, input.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endDate must be YYYY-MM-DD"})
		return
	}
	// End of day so the window includes the whole end date.
	end = end.Add(24*time.Hour - time.Second)
	if end.Before(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endDate is before startDate"})
		return
	}

	entityType := c.Param("entity")
	rt, err := newRuntime(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	engine, err := rt.engineFor(entityType)
	if err != nil {
		respondError(c, err)
		return
	}

	if !input.Async {
		result, err := engine.SyncRange(ctx, start, end)
		if err != nil {
			respondError(c, err)
			return
		}
		respondResult(c, result)
		return
	}

	username, _ := utils.GetUsernameFromContext(ctx)
	job := &models.SyncJob{
		EntityType: entityType,
		StartDate:  start,
		EndDate:    end,
		Status:     models.SyncJobStatusPending,
		CreatedBy:  username,
	}
	if err := rt.jobs.Create(ctx, job); err != nil {
		respondError(c, err)
		return
	}
	if err := PublishSyncJob(ctx, job.ID); err != nil {
		_ = rt.jobs.Fail(ctx, job.ID, "dispatch failed: "+err.Error())
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "jobId": job.ID, "status": job.Status})
}

// SyncJobDetailHandler returns one job's progress for polling clients.
func SyncJobDetailHandler(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job id must be a positive integer"})
		return
	}

	db := config.GetDB()
	if db == nil {
		respondError(c, &ConfigurationError{Msg: "database not ready"})
		return
	}
	_, _, jobs := NewStores(db)

	job, err := jobs.Get(ctx, uint(id))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": job})
}

type applicationsInput struct {
	PaymentType     string `json:"paymentType"`
	ReferenceNumber string `json:"referenceNumber" binding:"required"`
	InvoicesOnly    bool   `json:"invoicesOnly"`
}

// PaymentApplicationsHandler refreshes the application history of one payment.
func PaymentApplicationsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var input applicationsInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.PaymentType == "" {
		input.PaymentType = models.DocTypePayment
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := rt.linker().SyncApplications(ctx, input.PaymentType, input.ReferenceNumber, input.InvoicesOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

type reconcileInput struct {
	StartDate string `json:"startDate" binding:"required"`
	EndDate   string `json:"endDate" binding:"required"`
	Fix       bool   `json:"fix"`
}

// ReconcileHandler audits a date window of the mirror against the ERP and,
// with fix set, repairs it. Nothing is ever deleted from the mirror.
func ReconcileHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var input reconcileInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := time.Parse(dateParamLayout, input.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "startDate must be YYYY-MM-DD"})
		return
	}
	end, err := time.Parse(dateParamLayout, input.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endDate must be YYYY-MM-DD"})
		return
	}
	end = end.Add(24*time.Hour - time.Second)

	rt, err := newRuntime(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	engine, err := rt.engineFor(c.Param("entity"))
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := NewReconciler(engine, rt.mirror).Reconcile(ctx, start, end, input.Fix)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// LogoutERPHandler force-releases every cached ERP session. Used when the
// ERP's concurrent-session limit is exhausted by stale cookies.
func LogoutERPHandler(c *gin.Context) {
	ctx := c.Request.Context()

	rt, err := newRuntime(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	released, err := rt.sm.ForceLogout(ctx, rt.cred)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "released": released})
}

type webhookInput struct {
	EntityType      string `json:"entityType" binding:"required"`
	DocType         string `json:"docType"`
	ReferenceNumber string `json:"referenceNumber"`
	CustomerID      string `json:"customerId"`
}

// WebhookHandler receives ERP-side change notifications. With a document key
// in the payload the named record is point-synced; without one the entity
// runs an incremental sync over its configured lookback. Reference numbers
// arrive unpadded from the ERP's notification templates and are normalized.
func WebhookHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var input webhookInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	engine, err := rt.engineFor(input.EntityType)
	if err != nil {
		respondError(c, err)
		return
	}

	var key map[string]any
	switch {
	case input.EntityType == models.EntityTypeCustomer && input.CustomerID != "":
		key = map[string]any{"customer_id": input.CustomerID}
	case input.ReferenceNumber != "":
		docType := input.DocType
		if docType == "" {
			docType = models.DocTypeInvoice
		}
		key = map[string]any{
			"doc_type":         docType,
			"reference_number": NormalizeReferenceNumber(input.ReferenceNumber, referenceNumberWidth),
		}
	default:
		result, err := engine.SyncIncremental(ctx, 0)
		if err != nil {
			respondError(c, err)
			return
		}
		respondResult(c, result)
		return
	}

	if err := engine.SyncOne(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"success": true, "synced": false, "reason": "document not found in erp"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "synced": true})
}

type settingsInput struct {
	EntityType      string `json:"entityType" binding:"required"`
	LookbackMinutes int    `json:"lookbackMinutes" binding:"required"`
}

// UpdateSyncSettingsHandler sets the incremental lookback window per entity.
func UpdateSyncSettingsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var input settingsInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := ConfigFor(input.EntityType); err != nil {
		respondError(c, err)
		return
	}
	if err := models.SetLookbackMinutes(ctx, input.EntityType, input.LookbackMinutes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

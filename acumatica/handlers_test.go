package acumatica

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func performRequest(handler gin.HandlerFunc, method, path, body string, params gin.Params) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params
	handler(c)
	c.Writer.WriteHeaderNow()
	return w
}

func TestSyncEntityHandlerRejectsBadLookback(t *testing.T) {
	w := performRequest(SyncEntityHandler, http.MethodPost, "/api/acumatica/sync/customer", `{"lookbackMinutes":-5}`,
		gin.Params{{Key: "entity", Value: "customer"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "lookbackMinutes")
}

func TestSyncRangeHandlerValidation(t *testing.T) {
	t.Run("missing body", func(t *testing.T) {
		w := performRequest(SyncRangeHandler, http.MethodPost, "/api/acumatica/sync/invoice/range", `{}`,
			gin.Params{{Key: "entity", Value: "invoice"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed dates", func(t *testing.T) {
		w := performRequest(SyncRangeHandler, http.MethodPost, "/api/acumatica/sync/invoice/range",
			`{"startDate":"03/01/2024","endDate":"2024-03-31"}`,
			gin.Params{{Key: "entity", Value: "invoice"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "startDate")
	})

	t.Run("inverted window", func(t *testing.T) {
		w := performRequest(SyncRangeHandler, http.MethodPost, "/api/acumatica/sync/invoice/range",
			`{"startDate":"2024-03-31","endDate":"2024-03-01"}`,
			gin.Params{{Key: "entity", Value: "invoice"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSyncJobDetailHandlerRejectsBadID(t *testing.T) {
	w := performRequest(SyncJobDetailHandler, http.MethodGet, "/api/acumatica/sync/jobs/abc", "",
		gin.Params{{Key: "id", Value: "abc"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookHandlerValidation(t *testing.T) {
	t.Run("missing entity type", func(t *testing.T) {
		w := performRequest(WebhookHandler, http.MethodPost, "/api/acumatica/webhook", `{}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPubSubPushHandlerAcksGarbage(t *testing.T) {
	t.Run("malformed envelope", func(t *testing.T) {
		w := performRequest(PubSubPushHandler, http.MethodPost, "/pubsub/acumatica-sync", `not json`, nil)
		assert.Equal(t, http.StatusNoContent, w.Code, "malformed deliveries must be acked, not redelivered")
	})

	t.Run("payload without job id", func(t *testing.T) {
		w := performRequest(PubSubPushHandler, http.MethodPost, "/pubsub/acumatica-sync",
			`{"message":{"data":"e30=","messageId":"1"},"subscription":"s"}`, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForError(&ConfigurationError{Msg: "x"}))
	assert.Equal(t, http.StatusUnauthorized, statusForError(&AuthenticationError{StatusCode: 401}))
	assert.Equal(t, http.StatusUnauthorized, statusForError(&SessionExpiredError{Reason: "x"}))
	assert.Equal(t, http.StatusNotFound, statusForError(ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusForError(&ExternalError{StatusCode: 502}))
}

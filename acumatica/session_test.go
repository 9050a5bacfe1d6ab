package acumatica

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeERP is an httptest-backed stand-in for the ERP: it counts logins,
// hands out numbered session cookies, and serves a canned entity list that
// can be switched into rejection modes.
type fakeERP struct {
	server        *httptest.Server
	loginCount    atomic.Int64
	entityCalls   atomic.Int64
	rejectuntil   atomic.Int64 // entity calls answered with 401 before succeeding
	htmlOnce      atomic.Bool
	htmlAtCall    atomic.Int64 // entity call number answered with HTML (once)
	entityBody    string
	pagedRecords  []string // when set, list calls page these per $top/$skip
	objectBody    atomic.Value // served for point lookups (paths with key segments)
	pointNotFound atomic.Bool  // point lookups answer 404
	lastCookie    atomic.Value
	lastFilter    atomic.Value
	lastTop       atomic.Value
	lastSkip      atomic.Value
	rejectAlways  atomic.Bool
}

func newFakeERP() *fakeERP {
	f := &fakeERP{entityBody: `[]`}
	mux := http.NewServeMux()
	mux.HandleFunc("/entity/auth/login", func(w http.ResponseWriter, r *http.Request) {
		n := f.loginCount.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "sess" + itoa(n), Path: "/"})
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/entity/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		call := f.entityCalls.Add(1)
		f.lastCookie.Store(r.Header.Get("Cookie"))
		f.lastFilter.Store(r.URL.Query().Get("$filter"))
		f.lastTop.Store(r.URL.Query().Get("$top"))
		f.lastSkip.Store(r.URL.Query().Get("$skip"))
		if f.rejectAlways.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.rejectuntil.Load() > 0 {
			f.rejectuntil.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.htmlOnce.CompareAndSwap(true, false) || f.htmlAtCall.Load() == call {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<!DOCTYPE html><html>session timed out</html>"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// Paths deeper than {endpointPath}/{Entity} are point lookups.
		if strings.Count(strings.Trim(r.URL.Path, "/"), "/") > 3 {
			if f.pointNotFound.Load() {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if body, _ := f.objectBody.Load().(string); body != "" {
				w.Write([]byte(body))
				return
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if f.pagedRecords != nil {
			skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))
			top, _ := strconv.Atoi(r.URL.Query().Get("$top"))
			if top <= 0 {
				top = len(f.pagedRecords)
			}
			if skip > len(f.pagedRecords) {
				skip = len(f.pagedRecords)
			}
			endIdx := skip + top
			if endIdx > len(f.pagedRecords) {
				endIdx = len(f.pagedRecords)
			}
			w.Write([]byte("[" + strings.Join(f.pagedRecords[skip:endIdx], ",") + "]"))
			return
		}
		w.Write([]byte(f.entityBody))
	})
	f.server = httptest.NewServer(mux)
	return f
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (f *fakeERP) credential() *models.AcumaticaCredential {
	return &models.AcumaticaCredential{
		TenantKey: "test",
		Host:      f.server.URL,
		Username:  "sync",
		Password:  "secret",
	}
}

func newTestSessionManager(store SessionStore) *SessionManager {
	return &SessionManager{
		client: NewClient(),
		store:  store,
		ttl:    25 * time.Minute,
		log:    testLogger(),
	}
}

func TestGetSessionLogsInOnceAndReuses(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	store := &memSessionStore{}
	sm := newTestSessionManager(store)
	ctx := context.Background()

	first, err := sm.GetSession(ctx, erp.credential())
	require.NoError(t, err)
	second, err := sm.GetSession(ctx, erp.credential())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 1, erp.loginCount.Load(), "second call must reuse the cached session")
	assert.Equal(t, 1, store.validCount("test"))
	assert.Equal(t, "ASP.NET_SessionId=sess1", first.SessionCookie)
}

func TestGetSessionReplacesExpiredSession(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	store := &memSessionStore{}
	sm := newTestSessionManager(store)
	ctx := context.Background()

	store.Insert(ctx, &models.CachedSession{
		TenantKey:     "test",
		SessionCookie: "ASP.NET_SessionId=stale",
		ExpiresAt:     time.Now().Add(-time.Minute),
		IsValid:       true,
	})

	session, err := sm.GetSession(ctx, erp.credential())
	require.NoError(t, err)

	assert.EqualValues(t, 1, erp.loginCount.Load())
	assert.NotEqual(t, "ASP.NET_SessionId=stale", session.SessionCookie)
	// The stale row must be invalid now; only the fresh one survives.
	assert.Equal(t, 1, store.validCount("test"))
}

func TestDoRetriesOnceOnRejection(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	erp.entityBody = `[{"CustomerID":{"value":"C1"}}]`
	erp.rejectuntil.Store(1)
	store := &memSessionStore{}
	sm := newTestSessionManager(store)
	ctx := context.Background()

	records, err := sm.GetRecords(ctx, erp.credential(), "Customer", url.Values{})
	require.NoError(t, err)

	assert.Len(t, records, 1)
	assert.EqualValues(t, 2, erp.loginCount.Load(), "rejection must trigger exactly one re-login")
	assert.EqualValues(t, 2, erp.entityCalls.Load())
}

func TestDoGivesUpAfterSecondRejection(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	erp.rejectAlways.Store(true)
	store := &memSessionStore{}
	sm := newTestSessionManager(store)

	_, err := sm.GetRecords(context.Background(), erp.credential(), "Customer", url.Values{})

	var sessErr *SessionExpiredError
	require.ErrorAs(t, err, &sessErr)
	assert.EqualValues(t, 2, erp.entityCalls.Load(), "must not retry beyond once")
}

func TestGetRecordsRetriesOnHTMLBody(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	erp.entityBody = `[{"CustomerID":{"value":"C1"}}]`
	erp.htmlOnce.Store(true)
	store := &memSessionStore{}
	sm := newTestSessionManager(store)

	records, err := sm.GetRecords(context.Background(), erp.credential(), "Customer", url.Values{})
	require.NoError(t, err)

	assert.Len(t, records, 1)
	assert.EqualValues(t, 2, erp.loginCount.Load(), "HTML body must be treated as silent expiry")
}

func TestForceLogoutInvalidatesEverything(t *testing.T) {
	erp := newFakeERP()
	defer erp.server.Close()
	store := &memSessionStore{}
	sm := newTestSessionManager(store)
	ctx := context.Background()

	_, err := sm.GetSession(ctx, erp.credential())
	require.NoError(t, err)

	released, err := sm.ForceLogout(ctx, erp.credential())
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, store.validCount("test"))

	// Next call logs in again from scratch.
	_, err = sm.GetSession(ctx, erp.credential())
	require.NoError(t, err)
	assert.EqualValues(t, 2, erp.loginCount.Load())
}

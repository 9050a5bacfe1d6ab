package acumatica

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const defaultSessionTTLMinutes = 25

// SessionManager owns the session cookie lifecycle: reuse a cached session
// whenever one is valid, log in at most once when it is not, and transparently
// re-authenticate a single time when the ERP rejects a cookie mid-request.
type SessionManager struct {
	client *Client
	store  SessionStore
	locker *redislock.Client
	ttl    time.Duration
	log    *logrus.Logger
}

func NewSessionManager(client *Client, store SessionStore) *SessionManager {
	ttlMinutes := defaultSessionTTLMinutes
	if v := os.Getenv("ACUMATICA_SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ttlMinutes = n
		}
	}
	return &SessionManager{
		client: client,
		store:  store,
		locker: config.GetRedisLock(),
		ttl:    time.Duration(ttlMinutes) * time.Minute,
		log:    config.GetLogger(),
	}
}

// GetSession returns a valid session cookie for the credential's tenant,
// logging in only when no cached session can be reused. Concurrent cold
// starts are serialized through a redis advisory lock so the ERP sees one
// login, not one per caller; when redis is down the double-check read still
// keeps duplicate logins rare.
func (sm *SessionManager) GetSession(ctx context.Context, cred *models.AcumaticaCredential) (*models.CachedSession, error) {
	session, err := sm.store.FindValid(ctx, cred.TenantKey)
	if err != nil {
		return nil, err
	}
	if session != nil {
		if err := sm.store.Touch(ctx, session.ID); err != nil {
			sm.log.WithError(err).Warn("failed to touch cached session")
		}
		return session, nil
	}

	if sm.locker != nil {
		lock, lockErr := sm.locker.Obtain(ctx, "acumatica:login:"+cred.TenantKey, 30*time.Second,
			&redislock.Options{RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(500*time.Millisecond), 10)})
		if lockErr != nil {
			sm.log.WithError(lockErr).Warn("acumatica login lock unavailable; proceeding without it")
		} else {
			defer lock.Release(ctx)
		}
	}

	// Double-check under the lock. Another invocation may have logged in
	// while this one waited.
	session, err = sm.store.FindValid(ctx, cred.TenantKey)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	return sm.login(ctx, cred)
}

func (sm *SessionManager) login(ctx context.Context, cred *models.AcumaticaCredential) (*models.CachedSession, error) {
	// Housekeeping before the fresh login: rows past their TTL stop
	// counting toward the ERP's concurrent-session budget.
	if err := sm.store.InvalidateExpired(ctx, cred.TenantKey); err != nil {
		sm.log.WithError(err).Warn("failed to invalidate expired sessions")
	}

	cookie, err := sm.client.Login(ctx, cred)
	if err != nil {
		return nil, err
	}

	if err := sm.store.InvalidateCurrent(ctx, cred.TenantKey); err != nil {
		sm.log.WithError(err).Warn("failed to invalidate stale sessions before insert")
	}

	now := time.Now()
	session := &models.CachedSession{
		TenantKey:     cred.TenantKey,
		SessionCookie: cookie,
		ExpiresAt:     now.Add(sm.ttl),
		LastUsedAt:    now,
		IsValid:       true,
	}
	if err := sm.store.Insert(ctx, session); err != nil {
		return nil, err
	}
	sm.log.WithFields(logrus.Fields{
		"tenant":     cred.TenantKey,
		"expires_at": session.ExpiresAt,
	}).Info("acumatica session established")
	return session, nil
}

// Do issues one cookie-authenticated request. A 401/403 invalidates the
// cached session and the request is retried exactly once on a fresh login;
// a second rejection surfaces as SessionExpiredError.
func (sm *SessionManager) Do(ctx context.Context, cred *models.AcumaticaCredential, method, rawURL string, body []byte) (*http.Response, error) {
	session, err := sm.GetSession(ctx, cred)
	if err != nil {
		return nil, err
	}

	resp, err := sm.client.do(ctx, method, rawURL, session.SessionCookie, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	resp.Body.Close()

	sm.log.WithField("status", resp.StatusCode).Info("acumatica rejected cached session; re-authenticating")
	if err := sm.store.InvalidateCurrent(ctx, cred.TenantKey); err != nil {
		return nil, err
	}
	session, err = sm.GetSession(ctx, cred)
	if err != nil {
		return nil, err
	}

	resp, err = sm.client.do(ctx, method, rawURL, session.SessionCookie, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, &SessionExpiredError{Reason: "fresh session rejected with status " + strconv.Itoa(resp.StatusCode)}
	}
	return resp, nil
}

// GetRecords fetches an entity collection. An HTML body on a 2xx means the
// session silently expired, so the session is replaced and the fetch retried
// once before giving up.
func (sm *SessionManager) GetRecords(ctx context.Context, cred *models.AcumaticaCredential, entity string, params url.Values) ([]Record, error) {
	rawURL := sm.client.entityURL(cred.Host, entity, nil, params)

	records, err := sm.fetchRecords(ctx, cred, rawURL)
	var sessErr *SessionExpiredError
	if errors.As(err, &sessErr) {
		if invErr := sm.store.InvalidateCurrent(ctx, cred.TenantKey); invErr != nil {
			return nil, invErr
		}
		sm.log.Info("acumatica returned HTML instead of JSON; retrying with fresh session")
		return sm.fetchRecords(ctx, cred, rawURL)
	}
	return records, err
}

func (sm *SessionManager) fetchRecords(ctx context.Context, cred *models.AcumaticaCredential, rawURL string) ([]Record, error) {
	resp, err := sm.Do(ctx, cred, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExternalError{StatusCode: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExternalError{StatusCode: resp.StatusCode, Body: capBody(body)}
	}
	if looksLikeHTML(body) {
		return nil, &SessionExpiredError{Reason: "HTML body on status " + strconv.Itoa(resp.StatusCode)}
	}
	return decodeRecords(body)
}

// GetRecord fetches a single entity by key segments. 404 maps to ErrNotFound
// so callers can distinguish "genuinely gone" from transport failures.
func (sm *SessionManager) GetRecord(ctx context.Context, cred *models.AcumaticaCredential, entity string, keys []string, params url.Values) (Record, error) {
	rawURL := sm.client.entityURL(cred.Host, entity, keys, params)

	record, err := sm.fetchRecord(ctx, cred, rawURL)
	var sessErr *SessionExpiredError
	if errors.As(err, &sessErr) {
		if invErr := sm.store.InvalidateCurrent(ctx, cred.TenantKey); invErr != nil {
			return nil, invErr
		}
		return sm.fetchRecord(ctx, cred, rawURL)
	}
	return record, err
}

func (sm *SessionManager) fetchRecord(ctx context.Context, cred *models.AcumaticaCredential, rawURL string) (Record, error) {
	resp, err := sm.Do(ctx, cred, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExternalError{StatusCode: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExternalError{StatusCode: resp.StatusCode, Body: capBody(body)}
	}
	if looksLikeHTML(body) {
		return nil, &SessionExpiredError{Reason: "HTML body on status " + strconv.Itoa(resp.StatusCode)}
	}

	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, &ExternalError{StatusCode: resp.StatusCode, Body: "unexpected payload: " + capBody(body)}
	}
	return record, nil
}

// ForceLogout releases every valid session on the ERP side and marks them
// invalid locally. ERP-side logout failures are logged and swallowed; the
// local invalidation is what callers rely on.
func (sm *SessionManager) ForceLogout(ctx context.Context, cred *models.AcumaticaCredential) (int, error) {
	sessions, err := sm.store.ListValid(ctx, cred.TenantKey)
	if err != nil {
		return 0, err
	}
	for _, session := range sessions {
		if err := sm.client.Logout(ctx, cred.Host, session.SessionCookie); err != nil {
			sm.log.WithError(err).WithField("session_id", session.ID).Warn("erp-side logout failed")
		}
	}
	if err := sm.store.InvalidateCurrent(ctx, cred.TenantKey); err != nil {
		return 0, err
	}
	return len(sessions), nil
}

func capBody(body []byte) string {
	if len(body) > 2048 {
		body = body[:2048]
	}
	return string(body)
}

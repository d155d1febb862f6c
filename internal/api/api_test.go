package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinyl/backend/internal/auth"
	"github.com/sentinyl/backend/internal/queue"
	"github.com/sentinyl/backend/internal/store"
)

// The bcrypt cost makes key generation slow, so one credential is shared by
// every test in the package.
var (
	keyOnce   sync.Once
	keyPlain  string
	keyHash   string
	keyPrefix string
	keyID     = uuid.New()
	userID1   = uuid.New()
)

func testCredential(t *testing.T) (plain, hash, prefix string) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		keyPlain, keyHash, keyPrefix, err = auth.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
	})
	return keyPlain, keyHash, keyPrefix
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, origins ...string) (*Server, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := New(store.NewWithDB(db), queue.NewRedisWithClient(client), nil, origins, testLogger())
	return srv, mock, mr
}

func expectAuth(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	_, hash, prefix := testCredential(t)
	mock.ExpectQuery(`FROM api_keys`).
		WithArgs(prefix).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "key_hash", "key_prefix", "name", "revoked", "last_used_at", "created_at"}).
			AddRow(keyID, userID1, hash, prefix, "default", false, nil, time.Now()))
	mock.ExpectExec(`UPDATE api_keys SET last_used_at`).
		WithArgs(keyID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func subscriptionRows(tier string, scanQuota, scanUsed, agentQuota int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "user_id", "tier", "status", "scan_quota",
		"agent_quota", "scan_used", "agent_used", "cycle_start", "cycle_end"}).
		AddRow(uuid.New(), userID1, tier, "active", scanQuota, agentQuota, scanUsed, 0,
			now, now.Add(30*24*time.Hour))
}

func expectSubscription(mock sqlmock.Sqlmock, tier string, scanQuota, scanUsed, agentQuota int) {
	mock.ExpectExec(`SET scan_used = 0, agent_used = 0`).
		WithArgs(userID1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, user_id, tier, status`).
		WithArgs(userID1).
		WillReturnRows(subscriptionRows(tier, scanQuota, scanUsed, agentQuota))
}

func doRequest(srv *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+keyPlain)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthRejectsMissingAndMalformedKeys(t *testing.T) {
	srv, _, _ := newTestServer(t)
	testCredential(t)

	for name, header := range map[string]string{
		"missing":      "",
		"wrong scheme": "Bearer sk_test_" + strings.Repeat("a", 43),
		"too short":    "Bearer sk_live_abc",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/stats", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Invalid API key", decodeBody(t, rec)["detail"])
		})
	}
}

func TestAuthRejectsUnknownKey(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	testCredential(t)

	mock.ExpectQuery(`FROM api_keys`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "key_hash", "key_prefix", "name", "revoked", "last_used_at", "created_at"}))

	rec := doRequest(srv, http.MethodGet, "/stats", "", true)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid API key", decodeBody(t, rec)["detail"])
}

func TestScanRequiresScoutFeature(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)
	expectSubscription(mock, auth.TierGuardLite, 0, 0, 3)

	rec := doRequest(srv, http.MethodPost, "/scan",
		`{"domain":"examplebank.com","scan_type":"typosquat"}`, true)

	require.Equal(t, http.StatusForbidden, rec.Code)
	detail := decodeBody(t, rec)["detail"].(map[string]any)
	assert.Equal(t, auth.TierGuardLite, detail["tier"])
	assert.Equal(t, "/billing/subscribe?tier=scout_pro", detail["upgrade_url"])
}

func TestScanWithoutSubscriptionForbidden(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)

	mock.ExpectExec(`SET scan_used = 0, agent_used = 0`).
		WithArgs(userID1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// No subscription row exists for the caller.
	mock.ExpectQuery(`SELECT id, user_id, tier, status`).
		WithArgs(userID1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "tier", "status",
			"scan_quota", "agent_quota", "scan_used", "agent_used",
			"cycle_start", "cycle_end"}))

	rec := doRequest(srv, http.MethodPost, "/scan",
		`{"domain":"examplebank.com","scan_type":"typosquat"}`, true)

	require.Equal(t, http.StatusForbidden, rec.Code)
	detail := decodeBody(t, rec)["detail"].(map[string]any)
	assert.Equal(t, "no active subscription", detail["error"])
}

func TestScanSubscriptionLookupFailureIsServerError(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)

	// A transient database failure is not a tier problem.
	mock.ExpectExec(`SET scan_used = 0, agent_used = 0`).
		WithArgs(userID1).
		WillReturnError(errors.New("connection reset"))

	rec := doRequest(srv, http.MethodPost, "/scan",
		`{"domain":"examplebank.com","scan_type":"typosquat"}`, true)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestScanRejectsBareHostname(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)
	expectSubscription(mock, auth.TierFree, 5, 0, 0)

	rec := doRequest(srv, http.MethodPost, "/scan",
		`{"domain":"localhost","scan_type":"typosquat"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanQuotaExceeded(t *testing.T) {
	srv, mock, mr := newTestServer(t)
	expectAuth(t, mock)
	expectSubscription(mock, auth.TierFree, 5, 5, 0)

	// The guarded increment matches no row at the ceiling.
	mock.ExpectQuery(`SET scan_used = scan_used \+ 1`).
		WithArgs(userID1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// Disambiguation read inside ConsumeScanQuota, then the payload read.
	expectSubscription(mock, auth.TierFree, 5, 5, 0)
	expectSubscription(mock, auth.TierFree, 5, 5, 0)

	rec := doRequest(srv, http.MethodPost, "/scan",
		`{"domain":"examplebank.com","scan_type":"typosquat"}`, true)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	detail := decodeBody(t, rec)["detail"].(map[string]any)
	assert.Equal(t, "Scan quota exceeded", detail["error"])
	assert.Equal(t, float64(5), detail["quota_used"])
	assert.Equal(t, float64(5), detail["quota_limit"])
	assert.Equal(t, "/billing/subscribe?tier=scout_pro", detail["upgrade_url"])
	assert.NotEmpty(t, detail["resets_at"])

	// Nothing was enqueued for the rejected scan.
	assert.Empty(t, mr.Keys())
}

func TestScanAcceptedAndEnqueued(t *testing.T) {
	srv, mock, mr := newTestServer(t)
	expectAuth(t, mock)
	expectSubscription(mock, auth.TierFree, 5, 0, 0)

	mock.ExpectQuery(`SET scan_used = scan_used \+ 1`).
		WithArgs(userID1).
		WillReturnRows(subscriptionRows(auth.TierFree, 5, 1, 0))

	domainID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`INSERT INTO domains`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "name", "priority", "active", "created_at", "updated_at"}).
			AddRow(domainID, userID1, "examplebank.com", "high", true, now, now))

	jobID := uuid.New()
	mock.ExpectQuery(`INSERT INTO scan_jobs`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "domain_id", "kind", "status", "created_at"}).
			AddRow(jobID, domainID, store.ScanTyposquat, store.JobPending, now))

	rec := doRequest(srv, http.MethodPost, "/scan",
		`{"domain":"ExampleBank.COM","scan_type":"typosquat","priority":"high"}`, true)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, jobID.String(), body["job_id"])
	assert.Equal(t, "examplebank.com", body["domain"])
	assert.Equal(t, store.JobPending, body["status"])

	payloads, err := mr.List(queue.Typosquat)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	var task queue.ScanTask
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &task))
	assert.Equal(t, jobID, task.JobID)
	assert.Equal(t, "examplebank.com", task.Domain)
}

func scanJobRow(jobID, ownerID uuid.UUID, kind, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "domain_id", "user_id", "name", "kind",
		"status", "started_at", "completed_at", "error", "created_at"}).
		AddRow(jobID, uuid.New(), ownerID, "examplebank.com", kind, status,
			nil, nil, nil, time.Now())
}

func TestResultsHidesOtherUsersJobs(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)

	jobID := uuid.New()
	mock.ExpectQuery(`FROM scan_jobs j`).
		WithArgs(jobID).
		WillReturnRows(scanJobRow(jobID, uuid.New(), store.ScanTyposquat, store.JobCompleted))

	rec := doRequest(srv, http.MethodGet, "/results/"+jobID.String(), "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultsTruncatesSnippets(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)

	jobID := uuid.New()
	mock.ExpectQuery(`FROM scan_jobs j`).
		WithArgs(jobID).
		WillReturnRows(scanJobRow(jobID, userID1, store.ScanLeak, store.JobCompleted))

	longSnippet := strings.Repeat("x", 500)
	mock.ExpectQuery(`FROM leaks`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "domain", "repo_url",
			"repo_name", "file_path", "snippet", "leak_kind", "severity", "public",
			"notified", "discovered_at"}).
			AddRow(uuid.New(), jobID, "examplebank.com", "https://github.com/a/b",
				"a/b", ".env", longSnippet, "password", "critical", true, true, time.Now()))

	rec := doRequest(srv, http.MethodGet, "/results/"+jobID.String(), "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	leaks := body["leaks"].([]any)
	require.Len(t, leaks, 1)
	snippet := leaks[0].(map[string]any)["snippet"].(string)
	assert.Len(t, snippet, 200)
}

func guardEventRow(eventID, agentID uuid.UUID, response string, blocked bool, expires time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "agent_id", "anomaly_kind", "severity",
		"target_ip", "target_country", "process_name", "details",
		"countdown_started_at", "countdown_expires_at", "operator_response",
		"operator_user", "responded_at", "blocked", "acknowledged", "created_at"}).
		AddRow(eventID, agentID, "geo_anomaly", "critical", "203.0.113.7", "KP", "",
			[]byte(`{}`), expires.Add(-store.CountdownDuration), expires,
			response, nil, nil, blocked, false, time.Now())
}

func TestGuardResponseConflict(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)

	eventID, agentID := uuid.New(), uuid.New()
	expires := time.Now().Add(2 * time.Minute)

	mock.ExpectQuery(`FROM guard_events WHERE id`).
		WithArgs(eventID).
		WillReturnRows(guardEventRow(eventID, agentID, store.ResponseSafe, false, expires))
	mock.ExpectQuery(`SELECT user_id FROM guard_agents`).
		WithArgs(agentID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID1))

	// The guarded update matches nothing because safe is already on file.
	mock.ExpectExec(`SET operator_response`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM guard_events WHERE id`).
		WithArgs(eventID).
		WillReturnRows(guardEventRow(eventID, agentID, store.ResponseSafe, false, expires))

	rec := doRequest(srv, http.MethodPost, "/guard/response",
		`{"event_id":"`+eventID.String()+`","response":"block","admin_user":"alice"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGuardResponseRecordsAdminUser(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)

	eventID, agentID := uuid.New(), uuid.New()
	expires := time.Now().Add(2 * time.Minute)

	mock.ExpectQuery(`FROM guard_events WHERE id`).
		WithArgs(eventID).
		WillReturnRows(guardEventRow(eventID, agentID, store.ResponseNone, false, expires))
	mock.ExpectQuery(`SELECT user_id FROM guard_agents`).
		WithArgs(agentID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID1))

	// The verdict lands with the operator's name on it.
	mock.ExpectExec(`SET operator_response`).
		WithArgs(eventID, store.ResponseSafe, "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM guard_events WHERE id`).
		WithArgs(eventID).
		WillReturnRows(guardEventRow(eventID, agentID, store.ResponseSafe, false, expires))

	rec := doRequest(srv, http.MethodPost, "/guard/response",
		`{"event_id":"`+eventID.String()+`","response":"safe","admin_user":"alice"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decodeBody(t, rec)["status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuardResponseRejectsBadVerdict(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)

	rec := doRequest(srv, http.MethodPost, "/guard/response",
		`{"event_id":"`+uuid.New().String()+`","response":"maybe"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGuardStatusReportsPendingCountdown(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	expectAuth(t, mock)

	eventID, agentID := uuid.New(), uuid.New()
	expires := time.Now().Add(2 * time.Minute)

	mock.ExpectQuery(`SELECT user_id FROM guard_agents`).
		WithArgs(agentID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID1))

	mock.ExpectBegin()
	mock.ExpectExec(`SET blocked = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`acknowledged = FALSE`).
		WillReturnRows(guardEventRow(eventID, agentID, store.ResponseNone, false, expires))
	mock.ExpectCommit()

	rec := doRequest(srv, http.MethodGet, "/guard/status/"+agentID.String(), "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["pending_events"])
	events := body["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "pending", ev["state"])
	assert.Equal(t, false, ev["should_block"])
	assert.InDelta(t, 120, ev["countdown_remaining"].(float64), 2)
}

func TestRegisterIssuesKeyOnce(t *testing.T) {
	srv, mock, _ := newTestServer(t)

	newUser := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "created_at"}).
			AddRow(newUser, "ops@examplebank.com", "Ops", now))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(subscriptionRows(auth.TierFree, 5, 0, 0))
	mock.ExpectExec(`INSERT INTO api_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doRequest(srv, http.MethodPost, "/auth/register",
		`{"email":"Ops@ExampleBank.com","name":"Ops"}`, false)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.True(t, strings.HasPrefix(body["api_key"].(string), "sk_live_"))
	assert.Equal(t, auth.TierFree, body["tier"])
}

func TestRegisterConflictOnDuplicateEmail(t *testing.T) {
	srv, mock, _ := newTestServer(t)

	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "created_at"}))

	rec := doRequest(srv, http.MethodPost, "/auth/register",
		`{"email":"ops@examplebank.com"}`, false)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)
	base := time.Now()
	current := base
	rl.nowFunc = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow("key:abc"))
	}
	assert.False(t, rl.allow("key:abc"))
	// A different caller has its own window.
	assert.True(t, rl.allow("ip:192.0.2.9"))

	// The oldest hits fall out of the window and capacity returns.
	current = base.Add(61 * time.Second)
	assert.True(t, rl.allow("key:abc"))
}

func TestCORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t, "https://app.sentinyl.io")

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://app.sentinyl.io")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.sentinyl.io", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-report-generator/internal/config"
	"smart-report-generator/internal/models"
	"smart-report-generator/internal/queue"
	"smart-report-generator/internal/ratelimit"
	"smart-report-generator/internal/store"
)

type testEnv struct {
	handler http.Handler
	store   store.Store
	queue   *queue.RedisQueue
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(st.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		AppName:        "smart-report-generator",
		AllowedOrigins: []string{"http://localhost:5173"},
	}
	q := queue.NewRedisQueue(client, queue.Options{})
	limiter := ratelimit.NewTokenBucket(client, rateLimit, 0.001, time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testEnv{
		handler: New(cfg, st, q, limiter, logger).Router(),
		store:   st,
		queue:   q,
		mr:      mr,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func TestCreateReportIsPendingAndQueued(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/reports", `{"title":"Q3 revenue"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "pending", raw["status"])
	assert.EqualValues(t, 0, raw["retry_count"])
	assert.Nil(t, raw["result_url"])
	assert.Nil(t, raw["completed_at"])
	assert.Contains(t, raw, "created_at")

	created := decode[models.Report](t, rec)
	assert.Equal(t, "Q3 revenue", created.Title)

	depth, err := env.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	rec = env.do(t, http.MethodGet, "/reports/"+strconv.FormatInt(created.ID, 10), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.Report](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestCreateReportTrimsTitle(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/reports", `{"title":"  Weekly  "}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Weekly", decode[models.Report](t, rec).Title)
}

func TestCreateReportValidation(t *testing.T) {
	env := newTestEnv(t, 0)

	cases := map[string]string{
		"missing title": `{}`,
		"blank title":   `{"title":"   "}`,
		"too long":      `{"title":"` + strings.Repeat("x", 256) + `"}`,
		"bad json":      `{"title":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/reports", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[errorResponse](t, rec).Detail)
		})
	}

	all, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	depth, err := env.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCreateReportRollsBackWhenQueueDown(t *testing.T) {
	env := newTestEnv(t, 0)
	env.mr.Close()

	rec := env.do(t, http.MethodPost, "/reports", `{"title":"Lost"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	all, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "report must not survive a failed enqueue")
}

func TestCreateReportRateLimited(t *testing.T) {
	env := newTestEnv(t, 1)

	rec := env.do(t, http.MethodPost, "/reports", `{"title":"first"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/reports", `{"title":"second"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	all, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetReportNotFound(t *testing.T) {
	env := newTestEnv(t, 0)

	for _, path := range []string{"/reports/42", "/reports/abc", "/reports/-1"} {
		rec := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "Report not found", decode[errorResponse](t, rec).Detail, path)
	}
}

func TestListReportsNewestFirst(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, title := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/reports", `{"title":"`+title+`"}`).Code)
	}

	rec = env.do(t, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]models.Report](t, rec)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].Title)
	assert.Equal(t, "a", list[2].Title)
}

func TestDeleteReport(t *testing.T) {
	env := newTestEnv(t, 0)

	created := decode[models.Report](t, env.do(t, http.MethodPost, "/reports", `{"title":"gone"}`))
	path := "/reports/" + strconv.FormatInt(created.ID, 10)

	rec := env.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, path, "").Code)
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"smart-report-generator"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	env.mr.Close()
	rec = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "unavailable", body["status"])
}

func TestDLQListsFailedReports(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())

	require.NoError(t, env.queue.DLQPush(context.Background(), 5))
	rec = env.do(t, http.MethodGet, "/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[5]}`, rec.Body.String())
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/", "")
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, 0)

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/reports", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("http://localhost:5173")
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = preflight("http://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

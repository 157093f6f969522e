package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meal-scheduler/internal/auth"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/logger"
	"github.com/example/meal-scheduler/internal/prefs"
	"github.com/example/meal-scheduler/internal/scheduler"
	"github.com/example/meal-scheduler/internal/store/sqlite"
)

const token = "s3cret-token"

var kst = time.FixedZone("KST", 9*3600)

type fakeController struct {
	mu          sync.Mutex
	interrupted []string
	catchUps    int

	// optional: CatchUp closes entered, waits on release and reports the
	// state of its context on done
	entered chan struct{}
	release chan struct{}
	done    chan error
}

func (f *fakeController) Next(userID string) (scheduler.NextAction, bool) {
	return scheduler.NextAction{UserID: userID, ServiceDate: "20250311", Enabled: true}, true
}

func (f *fakeController) Interrupt(userID string) {
	f.mu.Lock()
	f.interrupted = append(f.interrupted, userID)
	f.mu.Unlock()
}

func (f *fakeController) CatchUp(ctx context.Context, userID string) (scheduler.Audit, error) {
	f.mu.Lock()
	f.catchUps++
	f.mu.Unlock()
	if f.entered != nil {
		close(f.entered)
		<-f.release
		if _, ok := ctx.Deadline(); !ok {
			f.done <- errors.New("catch-up context has no deadline")
		} else {
			f.done <- ctx.Err()
		}
	}
	return scheduler.Audit{UserID: userID, ServiceDate: "20250310", Missed: true, Repaired: true}, nil
}

type fixture struct {
	srv   *httptest.Server
	ctl   *fakeController
	store *sqlite.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := auth.HashToken(token)
	require.NoError(t, err)
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctl := &fakeController{}
	users := prefs.NewStatic(meal.UserPreferences{UserID: "alice", MenuSequence: []string{"0005"}})
	s := &Server{
		Guard:     auth.NewGuard(hash),
		Scheduler: ctl,
		Users:     users,
		Store:     st,
		Location:  kst,
		Log:       logger.Discard(),
		Now:       func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, ctl: ctl, store: st}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(f.srv.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/users/alice/next")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownUser(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/users/bob/next", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNext(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/users/alice/next", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var n scheduler.NextAction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&n))
	assert.Equal(t, "20250311", n.ServiceDate)
}

func TestExclusionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.do(t, http.MethodPost, "/api/users/alice/exclusions", `{"from":"2025-03-07","to":"2025-03-10","reason":"trip"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added []exclusionDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	require.Len(t, added, 2, "weekend skipped")
	assert.Equal(t, "20250307", added[0].Date)
	assert.Equal(t, "20250310", added[1].Date)

	ok, err := f.store.IsExcluded(ctx, "alice", time.Date(2025, 3, 10, 0, 0, 0, 0, kst))
	require.NoError(t, err)
	assert.True(t, ok)

	resp = f.do(t, http.MethodGet, "/api/users/alice/exclusions", "")
	var listed []exclusionDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Len(t, listed, 2)

	resp = f.do(t, http.MethodDelete, "/api/users/alice/exclusions/20250307", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/users/alice/exclusions/20250307", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, []string{"alice", "alice"}, f.ctl.interrupted)
}

func TestAddExclusionValidation(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`{}`,
		`{"date":"soon"}`,
		`{"from":"20250310","to":"20250301"}`,
		`{"date":"20250310","from":"20250310","to":"20250311"}`,
		`{"from":"20250101","to":"20260102"}`,
		`{"from":"19000101","to":"20991231"}`,
		`not json`,
	} {
		resp := f.do(t, http.MethodPost, "/api/users/alice/exclusions", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, f.ctl.interrupted)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.AppendAttempt(ctx, meal.AttemptRecord{
			UserID:      "alice",
			CycleID:     "c1",
			ServiceDate: time.Date(2025, 3, 10, 0, 0, 0, 0, kst),
			RequestedAt: time.Date(2025, 3, 7, 13, 0, i, 0, kst),
			MenuCode:    "0005",
			StatusCode:  200,
			ReserveOK:   i == 2,
		}))
	}

	resp := f.do(t, http.MethodGet, "/api/users/alice/history?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []attemptDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.True(t, got[0].ReserveOK, "newest first")
	assert.Equal(t, "20250310", got[0].ServiceDate)
}

func TestCatchUp(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/users/alice/catch-up", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a scheduler.Audit
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	assert.True(t, a.Repaired)
	assert.Equal(t, 1, f.ctl.catchUps)
}

func TestExclusionRangeUpToAYear(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/users/alice/exclusions", `{"from":"20250101","to":"20260101"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added []exclusionDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	assert.Len(t, added, 262)
}

func TestCatchUpSurvivesClientDisconnect(t *testing.T) {
	f := newFixture(t)
	f.ctl.entered = make(chan struct{})
	f.ctl.release = make(chan struct{})
	f.ctl.done = make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.srv.URL+"/api/users/alice/catch-up", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	<-f.ctl.entered
	cancel()
	<-sent
	time.Sleep(100 * time.Millisecond)
	close(f.ctl.release)
	assert.NoError(t, <-f.ctl.done)
}

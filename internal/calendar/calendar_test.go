package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meal-scheduler/internal/domain/meal"
)

var kst = time.FixedZone("KST", 9*3600)

type fakeSource struct {
	mu    sync.Mutex
	days  map[string][]string
	err   error
	calls int
}

func (f *fakeSource) FetchMonth(_ context.Context, year int, month time.Month) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.days[meal.MonthKey(year, month)], nil
}

type memStore struct {
	months map[string]meal.HolidayMonth
}

func (m *memStore) GetHolidayMonth(_ context.Context, year int, month time.Month) (meal.HolidayMonth, error) {
	h, ok := m.months[meal.MonthKey(year, month)]
	if !ok {
		return meal.HolidayMonth{}, meal.ErrNotFound
	}
	return h, nil
}

func (m *memStore) PutHolidayMonth(_ context.Context, h meal.HolidayMonth) error {
	m.months[h.Key()] = h
	return nil
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newCal(src HolidaySource, store HolidayStore, now time.Time) *Calendar {
	c := New(src, store, meal.TimeOfDay{Hour: 13}, quietLog())
	c.now = func() time.Time { return now }
	return c
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, kst) }

func TestNextActionAndServiceDate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 7, 14, 0, 0, 0, kst) // Friday after cutoff
	c := newCal(&fakeSource{}, nil, now)

	action := c.NextActionDate(ctx, now)
	assert.Equal(t, day(2025, 3, 10), action)
	assert.Equal(t, day(2025, 3, 11), c.TargetServiceDate(ctx, action))

	before := time.Date(2025, 3, 7, 9, 0, 0, 0, kst)
	assert.Equal(t, day(2025, 3, 7), c.NextActionDate(ctx, before))
	assert.Equal(t, day(2025, 3, 10), c.TargetServiceDate(ctx, day(2025, 3, 7)))
}

func TestHolidaysAreSkipped(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{days: map[string][]string{
		"202505": {"20250505", "20250506"},
	}}
	now := time.Date(2025, 5, 2, 14, 0, 0, 0, kst) // Friday after cutoff
	c := newCal(src, nil, now)

	assert.False(t, c.IsBusinessDay(ctx, day(2025, 5, 5)))
	assert.True(t, c.IsHoliday(ctx, day(2025, 5, 6)))

	action := c.NextActionDate(ctx, now)
	assert.Equal(t, day(2025, 5, 7), action)
	assert.Equal(t, day(2025, 5, 8), c.TargetServiceDate(ctx, action))

	assert.Equal(t, day(2025, 5, 2), c.PreviousWorkday(ctx, day(2025, 5, 7)))
	assert.Equal(t, day(2025, 5, 7), c.NearestFutureWorkday(ctx, day(2025, 5, 3)))
}

func TestFailOpen(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{err: errors.New("connection refused")}
	c := newCal(src, nil, time.Date(2025, 5, 2, 9, 0, 0, 0, kst))

	assert.True(t, c.IsBusinessDay(ctx, day(2025, 5, 5)), "unknown holidays are treated as workdays")
	assert.False(t, c.IsBusinessDay(ctx, day(2025, 5, 3)), "weekends never are")

	calls := src.calls
	c.IsHoliday(ctx, day(2025, 5, 6))
	assert.Equal(t, calls, src.calls, "a failed month is not refetched within the retry window")
}

func TestStaleCacheUsedWhenRefreshFails(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 20, 9, 0, 0, 0, kst)
	store := &memStore{months: map[string]meal.HolidayMonth{}}
	stale := meal.NewHolidayMonth(2025, time.May, []string{"20250505"}, now.Add(-30*24*time.Hour))
	require.NoError(t, store.PutHolidayMonth(ctx, stale))

	src := &fakeSource{err: errors.New("503")}
	c := newCal(src, store, now)

	assert.True(t, c.IsHoliday(ctx, day(2025, 5, 5)))
	assert.Equal(t, 1, src.calls)
}

func TestFreshMonthIsNotRefetched(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 20, 9, 0, 0, 0, kst)
	src := &fakeSource{days: map[string][]string{"202505": {"20250505"}}}
	store := &memStore{months: map[string]meal.HolidayMonth{}}
	c := newCal(src, store, now)

	c.Holidays(ctx, 2025, time.May)
	c.Holidays(ctx, 2025, time.May)
	assert.Equal(t, 1, src.calls)
	assert.Contains(t, store.months, "202505", "fetched months are persisted")

	c.now = func() time.Time { return now.Add(FreshFor + time.Minute) }
	c.Holidays(ctx, 2025, time.May)
	assert.Equal(t, 2, src.calls, "months older than a week are refreshed")

	c.ForceRefresh(ctx, 2025, time.May)
	assert.Equal(t, 3, src.calls)
}

func TestRefreshCoversNextMonth(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 12, 30, 9, 0, 0, 0, kst)
	src := &fakeSource{days: map[string][]string{"202601": {"20260101"}}}
	store := &memStore{months: map[string]meal.HolidayMonth{}}
	c := newCal(src, store, now)

	c.Refresh(ctx, now)

	assert.Contains(t, store.months, "202512")
	assert.Contains(t, store.months, "202601")
	assert.Equal(t, day(2026, 1, 2), c.TargetServiceDate(ctx, day(2025, 12, 31)))
}

func TestDataGoKrFetchMonth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("serviceKey"))
		assert.Equal(t, "2025", r.URL.Query().Get("solYear"))
		assert.Equal(t, "05", r.URL.Query().Get("solMonth"))
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<response><header><resultCode>00</resultCode><resultMsg>NORMAL SERVICE.</resultMsg></header>
<body><items>
<item><dateName>어린이날</dateName><isHoliday>Y</isHoliday><locdate>20250505</locdate></item>
<item><dateName>부처님오신날</dateName><isHoliday>Y</isHoliday><locdate>20250505</locdate></item>
<item><dateName>대체공휴일</dateName><isHoliday>Y</isHoliday><locdate>20250506</locdate></item>
</items></body></response>`)
	}))
	defer srv.Close()

	src := NewDataGoKr(srv.URL, "k")
	dates, err := src.FetchMonth(context.Background(), 2025, time.May)
	require.NoError(t, err)
	assert.Equal(t, []string{"20250505", "20250505", "20250506"}, dates)

	assert.Nil(t, NewDataGoKr(srv.URL, ""))
}

func TestDataGoKrRejectsErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<response><header><resultCode>30</resultCode><resultMsg>SERVICE KEY IS NOT REGISTERED</resultMsg></header></response>`)
	}))
	defer srv.Close()

	_, err := NewDataGoKr(srv.URL, "k").FetchMonth(context.Background(), 2025, time.May)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVICE KEY")
}

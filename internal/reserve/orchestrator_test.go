package reserve

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meal-scheduler/internal/clock"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/logger"
)

var (
	ok         = meal.Response{HTTPStatus: http.StatusOK}
	soldOut    = meal.Response{HTTPStatus: http.StatusOK, ErrorCode: -1, ErrorMessage: "sold out"}
	unauth     = meal.Response{HTTPStatus: http.StatusUnauthorized}
	duplicated = meal.Response{HTTPStatus: http.StatusOK, ErrorCode: -1, ErrorMessage: meal.DuplicateReservationMessage}
)

type fakeRemote struct {
	mu       sync.Mutex
	scripts  map[string][]meal.Response
	fallback meal.Response
	listed   meal.ListResult
	listErr  error
	submits  []string
	lists    int
}

func (f *fakeRemote) Login(context.Context, string, string) (meal.Response, error) {
	return ok, nil
}

func (f *fakeRemote) Submit(_ context.Context, _ time.Time, code string, _ meal.DeliveryDetails) (meal.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, code)
	if q := f.scripts[code]; len(q) > 0 {
		f.scripts[code] = q[1:]
		return q[0], nil
	}
	return f.fallback, nil
}

func (f *fakeRemote) ListReservations(context.Context, time.Time) (meal.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return meal.ListResult{}, f.listErr
	}
	if f.listed.HTTPStatus == 0 {
		return meal.ListResult{Response: ok}, nil
	}
	return f.listed, nil
}

func (f *fakeRemote) Cancel(context.Context, meal.Reservation) (meal.Response, error) {
	return ok, nil
}

func (f *fakeRemote) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits) + f.lists
}

type fakeAuth struct {
	ensures   int
	forced    int
	forceErrs []error
	ensureErr error
}

func (a *fakeAuth) EnsureAuthenticated(context.Context, meal.Credentials, bool) error {
	a.ensures++
	return a.ensureErr
}

func (a *fakeAuth) ForceLogin(context.Context, meal.Credentials) error {
	a.forced++
	if len(a.forceErrs) > 0 {
		err := a.forceErrs[0]
		a.forceErrs = a.forceErrs[1:]
		return err
	}
	return nil
}

type memHistory struct {
	mu       sync.Mutex
	records  []meal.AttemptRecord
	excluded map[string]bool
}

func (h *memHistory) AppendAttempt(_ context.Context, rec meal.AttemptRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *memHistory) HasSuccess(_ context.Context, userID string, d time.Time) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		if r.UserID == userID && r.ReserveOK && meal.SameDate(r.ServiceDate, d) {
			return true, nil
		}
	}
	return false, nil
}

func (h *memHistory) IsExcluded(_ context.Context, _ string, d time.Time) (bool, error) {
	return h.excluded[meal.FormatDate(d)], nil
}

type holidays map[string]bool

func (h holidays) IsHoliday(_ context.Context, d time.Time) bool { return h[meal.FormatDate(d)] }

var serviceDate = time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

func prefs(menus ...string) meal.UserPreferences {
	return meal.UserPreferences{
		UserID:       "u1",
		Credentials:  meal.Credentials{UserID: "u1", Secret: "pw"},
		MenuSequence: menus,
		FloorName:    "9F",
	}
}

type harness struct {
	remote  *fakeRemote
	auth    *fakeAuth
	history *memHistory
	orch    *Orchestrator
}

func newHarness(maxRetries int) *harness {
	h := &harness{
		remote:  &fakeRemote{scripts: map[string][]meal.Response{}, fallback: soldOut},
		auth:    &fakeAuth{},
		history: &memHistory{excluded: map[string]bool{}},
	}
	clk := &clock.Clock{Slice: time.Second, MinDelay: time.Millisecond}
	h.orch = New(h.remote, h.auth, h.history, holidays{}, clk, Config{
		MaxRetries:    maxRetries,
		RetryInterval: time.Millisecond,
		Categories:    meal.NewCategories([]string{"0007"}),
	}, logger.Discard())
	return h
}

func (h *harness) run(t *testing.T, p meal.UserPreferences) meal.Outcome {
	t.Helper()
	out, err := h.orch.Run(context.Background(), Cycle{Prefs: p, ServiceDate: serviceDate})
	require.NoError(t, err)
	return out
}

func TestFallbackToThirdMenuSucceeds(t *testing.T) {
	h := newHarness(3)
	h.remote.scripts["0010"] = []meal.Response{ok}

	out := h.run(t, prefs("0005", "0006", "0010"))

	assert.Equal(t, meal.OutcomeSuccess, out.Kind)
	assert.Equal(t, "0010", out.Menu)
	assert.Equal(t, []string{"0005", "0006", "0010"}, h.remote.submits)
	require.Len(t, h.history.records, 3)
	assert.False(t, h.history.records[0].ReserveOK)
	assert.Equal(t, "sold out", h.history.records[0].RemoteErrorMessage)
	assert.True(t, h.history.records[2].ReserveOK)
	assert.Equal(t, out.CycleID, h.history.records[2].CycleID)
	assert.True(t, out.Notifiable())
}

func TestExhaustedRetriesIsFatal(t *testing.T) {
	h := newHarness(3)

	out := h.run(t, prefs("0005", "0006"))

	assert.Equal(t, meal.OutcomeFatal, out.Kind)
	assert.Equal(t, "exhausted retries", out.Reason)
	assert.Equal(t, "sold out", out.LastError)
	assert.Len(t, h.history.records, 3*2)
	assert.Len(t, h.remote.submits, 3*2)
	var fe *meal.FatalCycleError
	require.ErrorAs(t, out.Err(), &fe)
	assert.Contains(t, fe.Error(), "sold out")
}

func TestSecondRunForReservedDateMakesNoSubmits(t *testing.T) {
	h := newHarness(3)
	h.remote.scripts["0005"] = []meal.Response{ok}

	first := h.run(t, prefs("0005"))
	require.Equal(t, meal.OutcomeSuccess, first.Kind)
	calls := h.remote.remoteCalls()

	second := h.run(t, prefs("0005"))
	assert.Equal(t, meal.OutcomeAlreadyReserved, second.Kind)
	assert.True(t, second.FromHistory)
	assert.False(t, second.Notifiable())
	assert.Equal(t, calls, h.remote.remoteCalls())
}

func TestUnauthorizedOnSecondMenuReauthsOnce(t *testing.T) {
	h := newHarness(1)
	h.remote.scripts["0006"] = []meal.Response{unauth, soldOut}
	h.remote.scripts["0010"] = []meal.Response{ok}

	out := h.run(t, prefs("0005", "0006", "0010"))

	assert.Equal(t, meal.OutcomeSuccess, out.Kind)
	assert.Equal(t, 1, h.auth.forced)
	assert.Equal(t, []string{"0005", "0006", "0006", "0010"}, h.remote.submits)
}

func TestSecondUnauthorizedAfterReauthIsFatal(t *testing.T) {
	h := newHarness(3)
	h.remote.scripts["0005"] = []meal.Response{unauth, unauth}

	out := h.run(t, prefs("0005", "0006"))

	assert.Equal(t, meal.OutcomeFatal, out.Kind)
	assert.Equal(t, "reauth failed", out.Reason)
	assert.Equal(t, 1, h.auth.forced)
	assert.Len(t, h.remote.submits, 2)
}

func TestReauthFailureIsFatal(t *testing.T) {
	h := newHarness(3)
	h.remote.scripts["0005"] = []meal.Response{unauth}
	h.auth.forceErrs = []error{&meal.AuthError{Msg: "account locked"}}

	out := h.run(t, prefs("0005", "0006"))

	assert.Equal(t, meal.OutcomeFatal, out.Kind)
	assert.Equal(t, "reauth failed", out.Reason)
	assert.Contains(t, out.LastError, "account locked")
	assert.Len(t, h.remote.submits, 1)
}

func TestExclusionSkipsWithoutRemoteCalls(t *testing.T) {
	h := newHarness(3)
	h.history.excluded["20250311"] = true

	out := h.run(t, prefs("0005"))

	assert.Equal(t, meal.OutcomeSkipped, out.Kind)
	assert.Zero(t, h.remote.remoteCalls())
	assert.Zero(t, h.auth.ensures)

	h = newHarness(3)
	p := prefs("0005")
	p.ExclusionDates = []time.Time{serviceDate}
	out = h.run(t, p)
	assert.Equal(t, meal.OutcomeSkipped, out.Kind)
	assert.Zero(t, h.remote.remoteCalls())
}

func TestHolidaySkips(t *testing.T) {
	h := newHarness(3)
	h.orch.holidays = holidays{"20250311": true}

	out := h.run(t, prefs("0005"))

	assert.Equal(t, meal.OutcomeSkipped, out.Kind)
	assert.Equal(t, "holiday", out.Reason)
	assert.Zero(t, h.remote.remoteCalls())
}

func TestExistingPrimaryReservationShortCircuits(t *testing.T) {
	h := newHarness(3)
	h.remote.listed = meal.ListResult{Response: ok, Reservations: []meal.Reservation{
		{MenuCode: "0006", StatusCode: meal.ReservationActive, MenuLabel: "샐러드"},
	}}

	out := h.run(t, prefs("0005"))

	assert.Equal(t, meal.OutcomeAlreadyReserved, out.Kind)
	assert.Equal(t, "0006", out.Menu)
	assert.Empty(t, h.remote.submits)
	require.Len(t, h.history.records, 1)
	assert.True(t, h.history.records[0].ReserveOK)
}

func TestExistingSpecialReservationDoesNotBlock(t *testing.T) {
	h := newHarness(3)
	h.remote.listed = meal.ListResult{Response: ok, Reservations: []meal.Reservation{
		{MenuCode: "0007", StatusCode: meal.ReservationActive},
	}}
	h.remote.scripts["0005"] = []meal.Response{ok}

	out := h.run(t, prefs("0005"))

	assert.Equal(t, meal.OutcomeSuccess, out.Kind)
	assert.Equal(t, []string{"0005"}, h.remote.submits)
}

func TestListFailureDoesNotBlockSubmit(t *testing.T) {
	h := newHarness(1)
	h.remote.listErr = errors.New("timeout")
	h.remote.scripts["0005"] = []meal.Response{duplicated}

	out := h.run(t, prefs("0005"))

	assert.Equal(t, meal.OutcomeAlreadyReserved, out.Kind)
	assert.False(t, out.FromHistory)
	require.Len(t, h.history.records, 1)
	assert.True(t, h.history.records[0].ReserveOK)
}

func TestLoginFailureIsFatal(t *testing.T) {
	h := newHarness(3)
	h.auth.ensureErr = &meal.AuthError{Msg: "비밀번호 오류"}

	out := h.run(t, prefs("0005"))

	assert.Equal(t, meal.OutcomeFatal, out.Kind)
	assert.Equal(t, "login failed", out.Reason)
	assert.Contains(t, out.LastError, "비밀번호 오류")
	assert.Empty(t, h.remote.submits)
}

func TestInvalidPreferencesReturnConfigError(t *testing.T) {
	h := newHarness(3)

	_, err := h.orch.Run(context.Background(), Cycle{Prefs: prefs("xx"), ServiceDate: serviceDate})
	assert.True(t, meal.IsConfigError(err))

	p := prefs("0005")
	p.Credentials.Secret = ""
	_, err = h.orch.Run(context.Background(), Cycle{Prefs: p, ServiceDate: serviceDate})
	assert.True(t, meal.IsConfigError(err))
	assert.Zero(t, h.remote.remoteCalls())
}

func TestCancelAbandonsRetrySleep(t *testing.T) {
	h := newHarness(5)
	h.orch.cfg.RetryInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out, err := h.orch.Run(ctx, Cycle{Prefs: prefs("0005"), ServiceDate: serviceDate})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, meal.OutcomeFatal, out.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, h.remote.submits, 1)
}

func TestCycleMaxRetriesOverride(t *testing.T) {
	h := newHarness(10)
	out, err := h.orch.Run(context.Background(), Cycle{Prefs: prefs("0005"), ServiceDate: serviceDate, MaxRetries: 2, Trigger: "catch-up"})
	require.NoError(t, err)
	assert.Equal(t, meal.OutcomeFatal, out.Kind)
	assert.Len(t, h.remote.submits, 2)
}

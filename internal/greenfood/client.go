// Package greenfood is the HTTP client for the remote meal reservation service.
package greenfood

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/metrics"
)

const (
	DefaultBaseURL  = "https://hcafe.hgreenfood.com"
	DefaultSiteCode = "196274"
	DefaultBranch   = "50856"
	DefaultMealCode = "0002"

	pathLogin        = "/api/com/login.do"
	pathSubmit       = "/api/menu/reservation/insertReservationOrder.do"
	pathList         = "/api/menu/reservation/selectMenuReservationList.do"
	pathDeliveryInfo = "/api/menu/reservation/selectDeliveryInfoTypeList.do"
	pathCancel       = "/api/menu/reservation/updateMenuReservationCancel.do"
	referrerPath     = "/ctf/menu/reservation/menuReservation.do"

	// bytes of an unparseable body kept as the error message
	maxBodyMessage = 200
)

// Config configures a Client. Zero fields take the service defaults.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RPS        float64
	SiteCode   string
	BranchCode string
	AppVersion string
	// SessionExpiredCode is the structured errorCode the service returns for
	// an expired session; 0 disables the check.
	SessionExpiredCode int
	Log                *slog.Logger
}

// Client talks to the remote reservation service. One Client holds one
// user's cookie session and must not be shared between users.
type Client struct {
	hc      *http.Client
	base    *url.URL
	limiter *rate.Limiter
	cfg     Config
	log     *slog.Logger

	mu  sync.Mutex
	jar *cookiejar.Jar
}

var _ meal.Provider = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SiteCode == "" {
		cfg.SiteCode = DefaultSiteCode
	}
	if cfg.BranchCode == "" {
		cfg.BranchCode = DefaultBranch
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "1.2.3"
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	c := &Client{
		base:    base,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		log:     cfg.Log,
		jar:     jar,
	}
	c.hc = &http.Client{Timeout: cfg.Timeout, Jar: jar}
	return c, nil
}

// SessionCookies returns the cookies currently held for the service.
func (c *Client) SessionCookies() []*http.Cookie {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jar.Cookies(c.base)
}

// RestoreSession replaces the cookie jar with a saved snapshot.
func (c *Client) RestoreSession(cookies []*http.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	jar, _ := cookiejar.New(nil)
	jar.SetCookies(c.base, cookies)
	c.jar = jar
	c.hc = &http.Client{Timeout: c.cfg.Timeout, Jar: jar}
}

// ClearSession drops all cookies.
func (c *Client) ClearSession() {
	c.RestoreSession(nil)
}

func (c *Client) Login(ctx context.Context, userID, secret string) (meal.Response, error) {
	c.ClearSession()
	payload := map[string]any{
		"userId":         userID,
		"userData":       secret,
		"osDvCd":         "",
		"userCurrAppVer": c.cfg.AppVersion,
		"mobiPhTrmlId":   "",
	}
	resp, _, err := c.call(ctx, "login", pathLogin, payload)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, serviceDate time.Time, menuCode string, d meal.DeliveryDetails) (meal.Response, error) {
	prvdDt := meal.FormatDate(serviceDate)
	payload := c.submitPayload(d)

	if row, err := c.deliveryRow(ctx, menuCode, prvdDt, d); err != nil {
		c.log.Warn("delivery info unavailable, using configured defaults",
			"menu", menuCode, "floor", d.FloorName, "error", err)
	} else {
		for k, v := range row {
			payload[k] = v
		}
	}

	payload["conerDvCd"] = menuCode
	payload["prvdDt"] = prvdDt
	payload["ordQty"] = 1
	payload["dlvrRsvDvCd"] = 1
	payload["dsppUseYn"] = "Y"
	if d.FloorName != "" {
		payload["floorNm"] = d.FloorName
	}

	resp, _, err := c.call(ctx, "submit", pathSubmit, payload)
	return resp, err
}

func (c *Client) submitPayload(d meal.DeliveryDetails) map[string]any {
	payload := map[string]any{
		"bizplcCd":   c.cfg.SiteCode,
		"mealDvCd":   DefaultMealCode,
		"dlvrPlcSeq": 1,
	}
	for k, v := range d.Extra {
		payload[k] = v
	}
	if d.SiteCode != "" {
		payload["bizplcCd"] = d.SiteCode
	}
	if d.MealCode != "" {
		payload["mealDvCd"] = d.MealCode
	}
	return payload
}

// deliveryRow looks up the delivery row for the user's floor. Without a floor
// name the first row is used.
func (c *Client) deliveryRow(ctx context.Context, menuCode, prvdDt string, d meal.DeliveryDetails) (map[string]any, error) {
	site := d.SiteCode
	if site == "" {
		site = c.cfg.SiteCode
	}
	mealCode := d.MealCode
	if mealCode == "" {
		mealCode = DefaultMealCode
	}
	payload := map[string]any{
		"conerDvCd": menuCode,
		"mealDvCd":  mealCode,
		"bizbrCd":   c.cfg.BranchCode,
		"bizplcCd":  site,
		"prvdDt":    prvdDt,
	}
	resp, env, err := c.call(ctx, "delivery_info", pathDeliveryInfo, payload)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &meal.TransientRemoteError{Op: "delivery_info", HTTPStatus: resp.HTTPStatus, Msg: resp.ErrorMessage}
	}
	var ds struct {
		Rows []map[string]any `json:"deliveryInfoTypeList"`
	}
	if len(env.DataSets) > 0 {
		if err := json.Unmarshal(env.DataSets, &ds); err != nil {
			return nil, &meal.TransientRemoteError{Op: "delivery_info", HTTPStatus: resp.HTTPStatus, Msg: "decode data sets", Err: err}
		}
	}
	for _, row := range ds.Rows {
		if d.FloorName == "" || fmt.Sprint(row["floorNm"]) == d.FloorName {
			return row, nil
		}
	}
	return nil, fmt.Errorf("floor %q not in delivery list (%d rows)", d.FloorName, len(ds.Rows))
}

func (c *Client) ListReservations(ctx context.Context, serviceDate time.Time) (meal.ListResult, error) {
	prvdDt := meal.FormatDate(serviceDate)
	payload := map[string]any{"prvdDt": prvdDt, "bizplcCd": c.cfg.SiteCode}
	resp, env, err := c.call(ctx, "list", pathList, payload)
	out := meal.ListResult{Response: resp}
	if err != nil || !resp.OK() {
		return out, err
	}
	var ds struct {
		Rows []map[string]any `json:"reserveList"`
	}
	if len(env.DataSets) > 0 {
		if err := json.Unmarshal(env.DataSets, &ds); err != nil {
			return out, &meal.TransientRemoteError{Op: "list", HTTPStatus: resp.HTTPStatus, Msg: "decode data sets", Err: err}
		}
	}
	for _, row := range ds.Rows {
		r := meal.Reservation{
			MenuCode:   str(row["conerDvCd"]),
			MenuLabel:  str(row["dispNm"]),
			Date:       str(row["prvdDt"]),
			StatusCode: str(row["rsvStatCd"]),
			Raw:        row,
		}
		if r.Date != "" && r.Date != prvdDt {
			continue
		}
		out.Reservations = append(out.Reservations, r)
	}
	return out, nil
}

// Cancel posts the reservation row back to the cancel endpoint.
func (c *Client) Cancel(ctx context.Context, r meal.Reservation) (meal.Response, error) {
	payload := make(map[string]any, len(r.Raw)+2)
	for k, v := range r.Raw {
		payload[k] = v
	}
	if _, ok := payload["conerDvCd"]; !ok && r.MenuCode != "" {
		payload["conerDvCd"] = r.MenuCode
	}
	if _, ok := payload["prvdDt"]; !ok && r.Date != "" {
		payload["prvdDt"] = r.Date
	}
	resp, _, err := c.call(ctx, "cancel", pathCancel, payload)
	return resp, err
}

type envelope struct {
	ErrorCode code            `json:"errorCode"`
	ErrorMsg  string          `json:"errorMsg"`
	DataSets  json.RawMessage `json:"dataSets"`
}

// code accepts the errorCode as a JSON number or a numeric string.
type code struct {
	Value int
	Set   bool
}

func (c *code) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("errorCode %s: %w", b, err)
	}
	c.Value, c.Set = int(f), true
	return nil
}

// call posts payload and returns the typed response. A body that is not the
// service's JSON envelope yields a *meal.TransientRemoteError alongside the
// HTTP status so callers can still see 401/403.
func (c *Client) call(ctx context.Context, op, path string, payload any) (meal.Response, envelope, error) {
	var env envelope
	body, err := json.Marshal(payload)
	if err != nil {
		return meal.Response{}, env, err
	}
	start := time.Now()
	status, raw, err := c.do(ctx, http.MethodPost, path, body)
	metrics.RemoteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	resp := meal.Response{HTTPStatus: status}
	if err != nil {
		return resp, env, &meal.TransientRemoteError{Op: op, HTTPStatus: status, Err: err}
	}
	if err := json.Unmarshal(raw, &env); err != nil || !env.ErrorCode.Set {
		resp.ErrorCode = -1
		resp.ErrorMessage = truncate(strings.TrimSpace(string(raw)), maxBodyMessage)
		return resp, env, &meal.TransientRemoteError{Op: op, HTTPStatus: status, Msg: "unexpected response body", Err: err}
	}
	resp.ErrorCode = env.ErrorCode.Value
	resp.ErrorMessage = env.ErrorMsg
	if c.cfg.SessionExpiredCode != 0 && resp.ErrorCode == c.cfg.SessionExpiredCode {
		resp.SessionExpired = true
	}
	c.log.Debug("remote call", "op", op, "status", status, "error_code", resp.ErrorCode, "error_msg", resp.ErrorMessage)
	return resp, env, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	origin := c.base.Scheme + "://" + c.base.Host
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", origin+referrerPath)
	req.Header.Set("Origin", origin)

	c.mu.Lock()
	hc := c.hc
	c.mu.Unlock()
	res, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}

// truncate cuts s to at most n bytes on a rune boundary and drops invalid
// UTF-8, so the message can be stored in a text column.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

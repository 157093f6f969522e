package meal

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the remote service's date format (YYYYMMDD).
const DateLayout = "20060102"

// FormatDate renders d as YYYYMMDD in its own location.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}

// ParseDate accepts YYYYMMDD or YYYY-MM-DD and returns midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYYMMDD or YYYY-MM-DD)", s)
	}
	return d, nil
}

// DateOf truncates t to midnight in t's location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDate reports whether a and b fall on the same calendar day, each in its own location.
func SameDate(a, b time.Time) bool {
	return FormatDate(a) == FormatDate(b)
}

// TimeOfDay is a wall-clock time used for the reservation cutoff.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	layout := "15:04:05"
	if strings.Count(s, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM[:SS])", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

// On returns the instant of this time of day on d's calendar date, in d's location.
func (t TimeOfDay) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, t.Hour, t.Minute, t.Second, 0, d.Location())
}

// Ahead reports whether t on now's date is still in the future.
func (t TimeOfDay) Ahead(now time.Time) bool {
	return now.Before(t.On(now))
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// AttemptRecord is one history row: a single menu tried for a service date.
type AttemptRecord struct {
	UserID             string
	CycleID            string
	ServiceDate        time.Time
	RequestedAt        time.Time
	MenuCode           string
	MenuLabel          string
	StatusCode         int
	RemoteErrorCode    int
	RemoteErrorMessage string
	ReserveOK          bool
	// Cancelled marks a reservation withdrawn after it was made; it
	// supersedes earlier successes for the same service date.
	Cancelled bool
}

// CancellationRecord is the history row appended after r was cancelled on
// the remote service, so a later cycle for serviceDate books again.
func CancellationRecord(userID string, serviceDate time.Time, r Reservation, resp Response, at time.Time) AttemptRecord {
	label := r.MenuLabel
	if label == "" {
		label = MenuLabel(r.MenuCode)
	}
	return AttemptRecord{
		UserID:             userID,
		ServiceDate:        serviceDate,
		RequestedAt:        at,
		MenuCode:           r.MenuCode,
		MenuLabel:          label,
		StatusCode:         resp.HTTPStatus,
		RemoteErrorCode:    resp.ErrorCode,
		RemoteErrorMessage: resp.ErrorMessage,
		Cancelled:          true,
	}
}

// ExclusionDate is a user-declared day with no automatic reservation.
type ExclusionDate struct {
	UserID    string
	Date      time.Time
	Reason    string
	CreatedAt time.Time
}

// HolidayMonth is the cached set of public holidays for one calendar month.
type HolidayMonth struct {
	Year        int
	Month       time.Month
	Dates       map[string]struct{}
	LastUpdated time.Time
}

// Key returns the YYYYMM cache key.
func (h HolidayMonth) Key() string {
	return MonthKey(h.Year, h.Month)
}

// Contains reports whether d (formatted YYYYMMDD) is a holiday in this month.
func (h HolidayMonth) Contains(d time.Time) bool {
	_, ok := h.Dates[FormatDate(d)]
	return ok
}

// Fresh reports whether the entry was refreshed within maxAge of now.
func (h HolidayMonth) Fresh(now time.Time, maxAge time.Duration) bool {
	return !h.LastUpdated.IsZero() && now.Sub(h.LastUpdated) < maxAge
}

func MonthKey(year int, month time.Month) string {
	return fmt.Sprintf("%04d%02d", year, int(month))
}

// NewHolidayMonth builds a month entry from YYYYMMDD strings.
func NewHolidayMonth(year int, month time.Month, dates []string, updated time.Time) HolidayMonth {
	set := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		d = strings.TrimSpace(d)
		if d != "" {
			set[d] = struct{}{}
		}
	}
	return HolidayMonth{Year: year, Month: month, Dates: set, LastUpdated: updated}
}

// SortedDates returns the holiday dates in ascending order.
func (h HolidayMonth) SortedDates() []string {
	out := make([]string, 0, len(h.Dates))
	for d := range h.Dates {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Credentials identify a user against the remote service.
type Credentials struct {
	UserID string
	Secret string
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return &ConfigError{Field: "user_id", Msg: "required"}
	}
	if c.Secret == "" {
		return &ConfigError{Field: "secret", Msg: "required"}
	}
	return nil
}

// UserPreferences is the per-user configuration consumed read-only per cycle.
type UserPreferences struct {
	UserID                 string
	Credentials            Credentials
	MenuSequence           []string
	FloorName              string
	NotificationTargets    []string
	AutoReservationEnabled bool
	ExclusionDates         []time.Time
	Timezone               string
	Delivery               DeliveryDetails
}

// Location resolves the preference timezone, falling back to def.
func (p UserPreferences) Location(def *time.Location) (*time.Location, error) {
	if strings.TrimSpace(p.Timezone) == "" {
		return def, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, &ConfigError{Field: "timezone", Msg: err.Error()}
	}
	return loc, nil
}

// Excludes reports whether d is one of the preference-declared exclusion dates.
func (p UserPreferences) Excludes(d time.Time) bool {
	for _, x := range p.ExclusionDates {
		if SameDate(x, d) {
			return true
		}
	}
	return false
}

func (p UserPreferences) Validate() error {
	if err := p.Credentials.Validate(); err != nil {
		return err
	}
	if len(p.MenuSequence) == 0 {
		return &ConfigError{Field: "menu_sequence", Msg: "at least one menu is required"}
	}
	return nil
}

// WeekdaysBetween lists the dates from..to inclusive, skipping Saturdays and
// Sundays. Holidays are not consulted.
func WeekdaysBetween(from, to time.Time) []time.Time {
	var out []time.Time
	for d := DateOf(from); !d.After(DateOf(to)); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		out = append(out, d)
	}
	return out
}

package meal

import (
	"context"
	"net/http"
	"time"
)

// DuplicateReservationMessage is the remote service's canonical message for
// "an active reservation already exists on this date".
const DuplicateReservationMessage = "동일날짜에 이미 등록된 예약이 존재합니다."

// ReservationActive is the remote status code of a live reservation.
const ReservationActive = "A"

// DeliveryDetails are the delivery fields sent with every submit.
type DeliveryDetails struct {
	SiteCode  string
	MealCode  string
	FloorName string
	Extra     map[string]any
}

// Response is the typed result of one remote call.
type Response struct {
	HTTPStatus     int
	ErrorCode      int
	ErrorMessage   string
	SessionExpired bool
}

// OK is the remote generic success signal: HTTP 200 and errorCode 0.
func (r Response) OK() bool {
	return r.HTTPStatus == http.StatusOK && r.ErrorCode == 0
}

// AuthExpired reports the auth-expired signal: HTTP 401/403 or a structured
// session-expired code recognised by the client.
func (r Response) AuthExpired() bool {
	return r.HTTPStatus == http.StatusUnauthorized || r.HTTPStatus == http.StatusForbidden || r.SessionExpired
}

// Duplicate reports the remote "already reserved for this date" message.
func (r Response) Duplicate() bool {
	return r.ErrorMessage == DuplicateReservationMessage
}

// Reservation is one remote reservation row.
type Reservation struct {
	MenuCode   string
	MenuLabel  string
	Date       string
	StatusCode string
	Raw        map[string]any
}

func (r Reservation) Active() bool {
	return r.StatusCode == ReservationActive
}

// ListResult is the outcome of listReservations.
type ListResult struct {
	Response
	Reservations []Reservation
}

// Provider is the black-box remote reservation service. Implementations keep
// their own transport session state (cookies); Session Manager owns it.
type Provider interface {
	Login(ctx context.Context, userID, secret string) (Response, error)
	Submit(ctx context.Context, serviceDate time.Time, menuCode string, d DeliveryDetails) (Response, error)
	ListReservations(ctx context.Context, serviceDate time.Time) (ListResult, error)
	Cancel(ctx context.Context, r Reservation) (Response, error)
}

// Verdict is the classification of one submit response.
type Verdict int

const (
	VerdictTransient Verdict = iota
	VerdictSuccess
	VerdictAlreadyReserved
	VerdictAuthExpired
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictAlreadyReserved:
		return "already_reserved"
	case VerdictAuthExpired:
		return "auth_expired"
	default:
		return "transient"
	}
}

// Classify interprets one submit call. Transport and parse errors are transient.
func Classify(resp Response, err error) Verdict {
	if err != nil {
		if resp.AuthExpired() {
			return VerdictAuthExpired
		}
		return VerdictTransient
	}
	switch {
	case resp.OK():
		return VerdictSuccess
	case resp.Duplicate():
		return VerdictAlreadyReserved
	case resp.AuthExpired():
		return VerdictAuthExpired
	default:
		return VerdictTransient
	}
}

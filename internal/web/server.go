// Package web serves the control API: health, metrics, next-action lookup,
// exclusion management, attempt history and on-demand catch-up.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/meal-scheduler/internal/auth"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/scheduler"
	"github.com/example/meal-scheduler/internal/store"
)

const (
	maxBodySize = 64 << 10
	// longest inclusive from/to exclusion range, in days
	maxExclusionSpan = 366
	// bound on an API-triggered catch-up cycle, which outlives the request
	defaultCatchUpTimeout = 5 * time.Minute
)

// Controller is the part of the scheduler the API drives.
type Controller interface {
	Next(userID string) (scheduler.NextAction, bool)
	Interrupt(userID string)
	CatchUp(ctx context.Context, userID string) (scheduler.Audit, error)
}

// Users resolves user ids and their timezones.
type Users interface {
	Get(userID string) (meal.UserPreferences, bool)
}

type Store interface {
	store.History
	store.Exclusions
}

type Server struct {
	Guard     *auth.Guard
	Scheduler Controller
	Users     Users
	Store     Store
	Location  *time.Location
	Log       *slog.Logger
	Now       func() time.Time
	// CatchUpTimeout bounds POST catch-up; zero means defaultCatchUpTimeout.
	CatchUpTimeout time.Duration
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/users/{id}", func(r chi.Router) {
		r.Use(s.Guard.RequireToken)
		r.Use(s.requireUser)
		r.Get("/next", s.handleNext)
		r.Get("/exclusions", s.handleListExclusions)
		r.Post("/exclusions", s.handleAddExclusions)
		r.Delete("/exclusions/{date}", s.handleRemoveExclusion)
		r.Get("/history", s.handleHistory)
		r.Post("/catch-up", s.handleCatchUp)
	})
	return r
}

type userKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.Users.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "unknown user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, p)))
	})
}

func userFrom(r *http.Request) meal.UserPreferences {
	p, _ := r.Context().Value(userKey{}).(meal.UserPreferences)
	return p
}

func (s *Server) location(p meal.UserPreferences) *time.Location {
	loc, err := p.Location(s.Location)
	if err != nil || loc == nil {
		return time.Local
	}
	return loc
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	p := userFrom(r)
	n, ok := s.Scheduler.Next(p.UserID)
	if !ok {
		httpError(w, http.StatusServiceUnavailable, "user loop not running")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type exclusionDTO struct {
	Date      string    `json:"date"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

type addExclusionsRequest struct {
	Date   string `json:"date"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

func (s *Server) handleListExclusions(w http.ResponseWriter, r *http.Request) {
	p := userFrom(r)
	xs, err := s.Store.ListExclusions(r.Context(), p.UserID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Sprintf("list exclusions: %v", err))
		return
	}
	out := make([]exclusionDTO, 0, len(xs)+len(p.ExclusionDates))
	for _, x := range xs {
		out = append(out, exclusionDTO{Date: meal.FormatDate(x.Date), Reason: x.Reason, CreatedAt: x.CreatedAt})
	}
	for _, d := range p.ExclusionDates {
		out = append(out, exclusionDTO{Date: meal.FormatDate(d), Reason: "users file"})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAddExclusions accepts either a single date or an inclusive from/to
// range; weekends in a range are skipped.
func (s *Server) handleAddExclusions(w http.ResponseWriter, r *http.Request) {
	p := userFrom(r)
	loc := s.location(p)

	var req addExclusionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var dates []time.Time
	switch {
	case req.Date != "" && req.From == "" && req.To == "":
		d, err := meal.ParseDate(req.Date, loc)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		dates = []time.Time{d}
	case req.Date == "" && req.From != "" && req.To != "":
		from, err := meal.ParseDate(req.From, loc)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		to, err := meal.ParseDate(req.To, loc)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		if to.Before(from) {
			httpError(w, http.StatusBadRequest, "to is before from")
			return
		}
		if to.Sub(from) >= maxExclusionSpan*24*time.Hour {
			httpError(w, http.StatusBadRequest, fmt.Sprintf("range longer than %d days", maxExclusionSpan))
			return
		}
		dates = meal.WeekdaysBetween(from, to)
	default:
		httpError(w, http.StatusBadRequest, "give either date or from and to")
		return
	}

	created := s.now().UTC()
	out := make([]exclusionDTO, 0, len(dates))
	for _, d := range dates {
		e := meal.ExclusionDate{UserID: p.UserID, Date: d, Reason: req.Reason, CreatedAt: created}
		if err := s.Store.AddExclusion(r.Context(), e); err != nil {
			httpError(w, http.StatusInternalServerError, fmt.Sprintf("add exclusion: %v", err))
			return
		}
		out = append(out, exclusionDTO{Date: meal.FormatDate(d), Reason: req.Reason, CreatedAt: created})
	}
	s.Scheduler.Interrupt(p.UserID)
	s.log().Info("exclusions added", "user", p.UserID, "count", len(out))
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleRemoveExclusion(w http.ResponseWriter, r *http.Request) {
	p := userFrom(r)
	d, err := meal.ParseDate(chi.URLParam(r, "date"), s.location(p))
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.Store.RemoveExclusion(r.Context(), p.UserID, d)
	if errors.Is(err, meal.ErrNotFound) {
		httpError(w, http.StatusNotFound, "exclusion not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Sprintf("remove exclusion: %v", err))
		return
	}
	s.Scheduler.Interrupt(p.UserID)
	w.WriteHeader(http.StatusNoContent)
}

type attemptDTO struct {
	CycleID            string    `json:"cycle_id"`
	ServiceDate        string    `json:"service_date"`
	RequestedAt        time.Time `json:"requested_at"`
	MenuCode           string    `json:"menu_code,omitempty"`
	MenuLabel          string    `json:"menu_label,omitempty"`
	StatusCode         int       `json:"status_code"`
	RemoteErrorCode    int       `json:"remote_error_code"`
	RemoteErrorMessage string    `json:"remote_error_message,omitempty"`
	ReserveOK          bool      `json:"reserve_ok"`
	Cancelled          bool      `json:"cancelled,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	p := userFrom(r)
	limit := parseIntParam(r, "limit", 50, 500)
	recs, err := s.Store.ListAttempts(r.Context(), p.UserID, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Sprintf("list attempts: %v", err))
		return
	}
	out := make([]attemptDTO, 0, len(recs))
	for _, a := range recs {
		out = append(out, attemptDTO{
			CycleID:            a.CycleID,
			ServiceDate:        meal.FormatDate(a.ServiceDate),
			RequestedAt:        a.RequestedAt,
			MenuCode:           a.MenuCode,
			MenuLabel:          a.MenuLabel,
			StatusCode:         a.StatusCode,
			RemoteErrorCode:    a.RemoteErrorCode,
			RemoteErrorMessage: a.RemoteErrorMessage,
			ReserveOK:          a.ReserveOK,
			Cancelled:          a.Cancelled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	p := userFrom(r)
	timeout := s.CatchUpTimeout
	if timeout <= 0 {
		timeout = defaultCatchUpTimeout
	}
	// a client disconnect must not cut a repair cycle short
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()
	a, err := s.Scheduler.CatchUp(ctx, p.UserID)
	if err != nil && a.UserID == "" {
		status := http.StatusInternalServerError
		if meal.IsConfigError(err) {
			status = http.StatusUnprocessableEntity
		}
		httpError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// Start serves h on addr until ctx is done.
func Start(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("control API listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

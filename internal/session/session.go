// Package session owns a user's remote login state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/metrics"
)

// Remote is the part of the reservation service the manager drives.
type Remote interface {
	Login(ctx context.Context, userID, secret string) (meal.Response, error)
	ListReservations(ctx context.Context, serviceDate time.Time) (meal.ListResult, error)
}

// Persistable remotes expose their transport cookies for snapshotting.
type Persistable interface {
	SessionCookies() []*http.Cookie
	RestoreSession(cookies []*http.Cookie)
}

// StateStore keeps cookie snapshots across restarts.
type StateStore interface {
	Load(userID string) ([]*http.Cookie, error)
	Save(userID string, cookies []*http.Cookie) error
}

// Manager serializes logins for one user. Login failures are returned, never
// retried here.
type Manager struct {
	remote Remote
	state  StateStore
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	fresh    bool
	restored bool
}

func New(remote Remote, state StateStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{remote: remote, state: state, log: log, now: time.Now}
}

// Fresh reports whether the manager believes the session is valid.
func (m *Manager) Fresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fresh
}

// MarkStale forgets the session; the next EnsureAuthenticated logs in again.
func (m *Manager) MarkStale() {
	m.mu.Lock()
	m.fresh = false
	m.mu.Unlock()
}

// EnsureAuthenticated logs in only when needed. A session restored from disk
// is validated with a list call first.
func (m *Manager) EnsureAuthenticated(ctx context.Context, creds meal.Credentials, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if force {
		return m.login(ctx, creds)
	}
	if m.fresh {
		return nil
	}
	if m.restore(creds.UserID) && m.probe(ctx) {
		m.fresh = true
		m.log.Info("reusing saved remote session", "user", creds.UserID)
		return nil
	}
	return m.login(ctx, creds)
}

// ForceLogin always performs a fresh login.
func (m *Manager) ForceLogin(ctx context.Context, creds meal.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.login(ctx, creds)
}

func (m *Manager) login(ctx context.Context, creds meal.Credentials) error {
	m.fresh = false
	if err := creds.Validate(); err != nil {
		return err
	}
	resp, err := m.remote.Login(ctx, creds.UserID, creds.Secret)
	if err != nil {
		metrics.Logins.WithLabelValues("error").Inc()
		return &meal.AuthError{Msg: "login request failed", Err: err}
	}
	if !resp.OK() {
		metrics.Logins.WithLabelValues("rejected").Inc()
		msg := resp.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("login failed (status=%d, code=%d)", resp.HTTPStatus, resp.ErrorCode)
		}
		return &meal.AuthError{Msg: msg}
	}
	metrics.Logins.WithLabelValues("ok").Inc()
	m.fresh = true
	m.log.Info("remote login succeeded", "user", creds.UserID)
	m.persist(creds.UserID)
	return nil
}

func (m *Manager) restore(userID string) bool {
	p, ok := m.remote.(Persistable)
	if !ok || m.state == nil || m.restored {
		return false
	}
	m.restored = true
	cookies, err := m.state.Load(userID)
	if err != nil {
		m.log.Debug("no saved remote session", "user", userID, "error", err)
		return false
	}
	if len(cookies) == 0 {
		return false
	}
	p.RestoreSession(cookies)
	return true
}

func (m *Manager) probe(ctx context.Context) bool {
	res, err := m.remote.ListReservations(ctx, meal.DateOf(m.now()))
	return err == nil && res.OK()
}

func (m *Manager) persist(userID string) {
	p, ok := m.remote.(Persistable)
	if !ok || m.state == nil {
		return
	}
	if err := m.state.Save(userID, p.SessionCookies()); err != nil {
		m.log.Warn("saving remote session failed", "user", userID, "error", err)
	}
}

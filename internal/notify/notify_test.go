package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/logger"
)

var fatal = meal.Outcome{
	Kind:        meal.OutcomeFatal,
	UserID:      "u1",
	CycleID:     "c1",
	ServiceDate: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
	Reason:      "exhausted retries",
	LastError:   "sold out",
	Attempts:    6,
	Tried:       []string{"0005", "0006"},
}

func TestMessage(t *testing.T) {
	subject, body := Message(fatal)
	assert.Contains(t, subject, "20250311")
	assert.Contains(t, subject, "FAILED")
	assert.Contains(t, body, "Last error: sold out")
	assert.Contains(t, body, "Menus tried: sandwich, salad")

	subject, _ = Message(meal.Outcome{Kind: meal.OutcomeSuccess, Menu: "0010", ServiceDate: fatal.ServiceDate})
	assert.Contains(t, subject, "chicken")
}

type captured struct {
	addr, from string
	to         []string
	msg        string
	calls      int
}

func (c *captured) send(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	c.calls++
	c.addr, c.from, c.to, c.msg = addr, from, to, string(msg)
	return nil
}

func TestSMTPNotify(t *testing.T) {
	c := &captured{}
	n := &SMTP{Addr: "mail.local:25", From: "bot@example.com", Send: c.send}
	prefs := meal.UserPreferences{UserID: "u1", NotificationTargets: []string{"a@example.com", "", "not-an-email"}}

	require.NoError(t, n.Notify(context.Background(), prefs, fatal))
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, []string{"a@example.com"}, c.to)
	assert.Contains(t, c.msg, "Content-Type: text/plain; charset=UTF-8")
	assert.Contains(t, c.msg, "Last error: sold out\r\n")

	require.NoError(t, n.Notify(context.Background(), meal.UserPreferences{UserID: "u2"}, fatal))
	assert.Equal(t, 1, c.calls, "no targets, nothing sent")
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, meal.UserPreferences, meal.Outcome) error {
	f.calls++
	return errors.New("boom")
}

func TestSendSkipsHistoryOutcomes(t *testing.T) {
	f := &failing{}
	prefs := meal.UserPreferences{UserID: "u1"}

	Send(context.Background(), f, logger.Discard(), prefs, meal.Outcome{Kind: meal.OutcomeAlreadyReserved, FromHistory: true})
	assert.Zero(t, f.calls)

	Send(context.Background(), Multi{Log{Log: logger.Discard()}, f}, logger.Discard(), prefs, fatal)
	assert.Equal(t, 1, f.calls)
}

// Package notify delivers terminal cycle outcomes to users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/meal-scheduler/internal/domain/meal"
)

// Notifier sends one outcome to the user's notification targets.
type Notifier interface {
	Notify(ctx context.Context, prefs meal.UserPreferences, out meal.Outcome) error
}

// Message renders the subject and plain-text body for an outcome.
func Message(out meal.Outcome) (subject, body string) {
	date := meal.FormatDate(out.ServiceDate)
	switch out.Kind {
	case meal.OutcomeSuccess:
		subject = fmt.Sprintf("[mealsched] %s reserved: %s", date, meal.MenuLabel(out.Menu))
	case meal.OutcomeAlreadyReserved:
		subject = fmt.Sprintf("[mealsched] %s already reserved", date)
	case meal.OutcomeSkipped:
		subject = fmt.Sprintf("[mealsched] %s skipped", date)
	default:
		subject = fmt.Sprintf("[mealsched] %s reservation FAILED", date)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\n", out.UserID)
	fmt.Fprintf(&b, "Service date: %s\n", date)
	fmt.Fprintf(&b, "Outcome: %s (%s)\n", out.Kind, out.Reason)
	if out.Menu != "" {
		fmt.Fprintf(&b, "Menu: %s (%s)\n", meal.MenuLabel(out.Menu), out.Menu)
	}
	if len(out.Tried) > 0 {
		labels := make([]string, len(out.Tried))
		for i, c := range out.Tried {
			labels[i] = meal.MenuLabel(c)
		}
		fmt.Fprintf(&b, "Menus tried: %s\n", strings.Join(labels, ", "))
	}
	fmt.Fprintf(&b, "Attempts: %d\n", out.Attempts)
	if out.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", out.LastError)
	}
	fmt.Fprintf(&b, "Cycle: %s\n", out.CycleID)
	return subject, b.String()
}

// Log writes outcomes to the structured log.
type Log struct {
	Log *slog.Logger
}

func (l Log) Notify(_ context.Context, prefs meal.UserPreferences, out meal.Outcome) error {
	subject, _ := Message(out)
	lg := l.Log
	if lg == nil {
		lg = slog.Default()
	}
	lg.Info("notification", "user", prefs.UserID, "subject", subject,
		"targets", len(prefs.NotificationTargets), "cycle_id", out.CycleID)
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, prefs meal.UserPreferences, out meal.Outcome) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, prefs, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send applies the outcome notification policy: history-derived outcomes are
// never re-sent. Failures are logged and swallowed.
func Send(ctx context.Context, n Notifier, log *slog.Logger, prefs meal.UserPreferences, out meal.Outcome) {
	if n == nil || !out.Notifiable() {
		return
	}
	if err := n.Notify(ctx, prefs, out); err != nil && log != nil {
		log.Warn("notification failed", "user", prefs.UserID, "error", err)
	}
}

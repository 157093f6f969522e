package notify

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/example/meal-scheduler/internal/domain/meal"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP mails outcomes to the user's notification targets.
type SMTP struct {
	Addr     string
	Username string
	Password string
	From     string
	// Send defaults to smtp.SendMail.
	Send SendMailFunc
	Now  func() time.Time
}

func (s *SMTP) Notify(ctx context.Context, prefs meal.UserPreferences, out meal.Outcome) error {
	var to []string
	for _, t := range prefs.NotificationTargets {
		if t = strings.TrimSpace(t); strings.Contains(t, "@") {
			to = append(to, t)
		}
	}
	if len(to) == 0 || s.Addr == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := Message(out)
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	var auth smtp.Auth
	if s.Username != "" {
		host, _, err := net.SplitHostPort(s.Addr)
		if err != nil {
			return fmt.Errorf("smtp addr: %w", err)
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	send := s.Send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(s.Addr, auth, s.From, to, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

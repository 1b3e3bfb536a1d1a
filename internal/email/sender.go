package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Sender delivers mail over SMTP.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string

	// Log reports sends that complete after Send has already given up.
	Log *zap.Logger
}

// Send dials the SMTP server and sends msg. gomail has no context support,
// so the dial runs in a goroutine and Send returns early when ctx is done.
// The generated Message-ID is returned as the provider id.
func (s *Sender) Send(ctx context.Context, msg Message) (Result, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(s.From))

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.From, s.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	for k, v := range msg.Tags {
		m.SetHeader("X-Tag-"+k, v)
	}
	m.SetBody("text/html", msg.HTML)

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		go s.watchAbandoned(done, msg.To, messageID)
		return Result{}, fmt.Errorf("smtp send abandoned: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Result{}, fmt.Errorf("smtp send error: %w", err)
		}
	}

	return Result{ProviderMessageID: messageID}, nil
}

// watchAbandoned waits for a send the caller stopped waiting for. If it
// went out anyway, the retry will deliver a duplicate.
func (s *Sender) watchAbandoned(done <-chan error, to, messageID string) {
	err := <-done
	if s.Log == nil {
		return
	}
	if err != nil {
		s.Log.Info("abandoned smtp send failed", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	s.Log.Warn("abandoned smtp send was delivered, retry may duplicate it",
		zap.String("to", to),
		zap.String("message_id", messageID),
	)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

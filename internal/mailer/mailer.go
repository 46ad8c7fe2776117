package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/wneessen/go-mail"
)

// Deliverer sends a plain text message to a single recipient.
type Deliverer interface {
	Deliver(ctx context.Context, to, subject, body string) error
}

var ErrInvalidMessage = errors.New("invalid message")

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	Retries  uint64
}

// sender is the part of *mail.Client used for delivery.
type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type SMTPDeliverer struct {
	client  sender
	from    string
	retries uint64
	backoff time.Duration
	log     *slog.Logger
}

func NewSMTPDeliverer(cfg SMTPConfig, log *slog.Logger) (*SMTPDeliverer, error) {
	const op = "mailer.NewSMTPDeliverer"

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return newSMTPDeliverer(client, cfg.From, cfg.Retries, log), nil
}

func newSMTPDeliverer(client sender, from string, retries uint64, log *slog.Logger) *SMTPDeliverer {
	return &SMTPDeliverer{
		client:  client,
		from:    from,
		retries: retries,
		backoff: 250 * time.Millisecond,
		log:     log,
	}
}

// Deliver sends the message, retrying temporary SMTP failures with
// exponential backoff until the retries or ctx run out.
func (d *SMTPDeliverer) Deliver(ctx context.Context, to, subject, body string) error {
	const op = "mailer.SMTPDeliverer.Deliver"

	log := d.log.With(slog.String("op", op))

	msg := mail.NewMsg()
	if err := msg.From(d.from); err != nil {
		return fmt.Errorf("%s: %w: from: %v", op, ErrInvalidMessage, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("%s: %w: to: %v", op, ErrInvalidMessage, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	attempt := 0
	backoff := retry.WithMaxRetries(d.retries, retry.NewExponential(d.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := d.client.DialAndSendWithContext(ctx, msg)
		if err == nil {
			return nil
		}
		if isTemporary(err) {
			log.Warn("smtp send failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Debug("message sent", slog.Int("attempts", attempt))

	return nil
}

// isTemporary reports whether an SMTP error is worth another attempt.
// Errors that are not SMTP replies (dial, timeout) count as temporary.
func isTemporary(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		return sendErr.IsTemp()
	}
	return true
}

// LogDeliverer writes messages to the log instead of sending them.
// It is meant for local runs where no SMTP relay is available.
type LogDeliverer struct {
	log *slog.Logger
}

func NewLogDeliverer(log *slog.Logger) *LogDeliverer {
	return &LogDeliverer{log: log}
}

func (d *LogDeliverer) Deliver(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mailer.LogDeliverer.Deliver: %w", err)
	}

	d.log.Debug("outgoing mail",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", body),
	)

	return nil
}

var (
	_ Deliverer = (*SMTPDeliverer)(nil)
	_ Deliverer = (*LogDeliverer)(nil)
)

type observedDeliverer struct {
	next    Deliverer
	observe func(err error)
}

// Observed wraps d and reports the result of every delivery to observe.
func Observed(d Deliverer, observe func(err error)) Deliverer {
	return &observedDeliverer{next: d, observe: observe}
}

func (d *observedDeliverer) Deliver(ctx context.Context, to, subject, body string) error {
	err := d.next.Deliver(ctx, to, subject, body)
	d.observe(err)
	return err
}

package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

type fakeSender struct {
	errs  []error
	calls int
	last  *mail.Msg
}

func (f *fakeSender) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	f.calls++
	if len(messages) > 0 {
		f.last = messages[0]
	}
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDeliverer(s sender, retries uint64) *SMTPDeliverer {
	d := newSMTPDeliverer(s, "noreply@example.com", retries, discardLogger())
	d.backoff = time.Millisecond
	return d
}

func TestSMTPDeliverer_Deliver(t *testing.T) {
	s := &fakeSender{}
	d := newTestDeliverer(s, 2)

	err := d.Deliver(context.Background(), "user@example.com", "Password reset", "link")
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls)

	require.NotNil(t, s.last)
	assert.Equal(t, []string{"Password reset"}, s.last.GetGenHeader(mail.HeaderSubject))

	var buf bytes.Buffer
	_, err = s.last.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "user@example.com")
	assert.Contains(t, buf.String(), "link")
}

func TestSMTPDeliverer_RetriesTransientErrors(t *testing.T) {
	s := &fakeSender{errs: []error{errors.New("dial tcp: connection refused"), errors.New("eof")}}
	d := newTestDeliverer(s, 2)

	require.NoError(t, d.Deliver(context.Background(), "user@example.com", "s", "b"))
	assert.Equal(t, 3, s.calls)
}

func TestSMTPDeliverer_GivesUp(t *testing.T) {
	boom := errors.New("connection refused")
	s := &fakeSender{errs: []error{boom, boom, boom, boom}}
	d := newTestDeliverer(s, 1)

	err := d.Deliver(context.Background(), "user@example.com", "s", "b")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, s.calls)
}

func TestSMTPDeliverer_PermanentErrorNotRetried(t *testing.T) {
	permanent := &mail.SendError{Reason: mail.ErrSMTPRcptTo}
	s := &fakeSender{errs: []error{permanent}}
	d := newTestDeliverer(s, 3)

	err := d.Deliver(context.Background(), "user@example.com", "s", "b")
	require.Error(t, err)
	assert.Equal(t, 1, s.calls)
}

func TestSMTPDeliverer_InvalidRecipient(t *testing.T) {
	s := &fakeSender{}
	d := newTestDeliverer(s, 1)

	err := d.Deliver(context.Background(), "not an address", "s", "b")
	require.ErrorIs(t, err, ErrInvalidMessage)
	assert.Zero(t, s.calls)
}

func TestSMTPDeliverer_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &fakeSender{errs: []error{context.Canceled}}
	d := newTestDeliverer(s, 5)

	err := d.Deliver(ctx, "user@example.com", "s", "b")
	require.Error(t, err)
	assert.LessOrEqual(t, s.calls, 1)
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, isTemporary(errors.New("i/o timeout")))
	assert.False(t, isTemporary(context.DeadlineExceeded))
	assert.False(t, isTemporary(&mail.SendError{Reason: mail.ErrSMTPData}))
}

func TestLogDeliverer(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	d := NewLogDeliverer(log)
	require.NoError(t, d.Deliver(context.Background(), "user@example.com", "Password reset", "open http://x/reset-password/abc"))

	out := buf.String()
	assert.True(t, strings.Contains(out, "user@example.com"))
	assert.Contains(t, out, "reset-password/abc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.Deliver(ctx, "user@example.com", "s", "b"), context.Canceled)
}

func TestObserved(t *testing.T) {
	boom := errors.New("boom")
	var seen []error

	d := Observed(newTestDeliverer(&fakeSender{errs: []error{&mail.SendError{Reason: mail.ErrSMTPData}}}, 0), func(err error) {
		seen = append(seen, err)
	})
	require.Error(t, d.Deliver(context.Background(), "user@example.com", "s", "b"))

	d = Observed(NewLogDeliverer(discardLogger()), func(err error) { seen = append(seen, err) })
	require.NoError(t, d.Deliver(context.Background(), "user@example.com", "s", "b"))

	require.Len(t, seen, 2)
	assert.Error(t, seen[0])
	assert.NotErrorIs(t, seen[0], boom)
	assert.NoError(t, seen[1])
}

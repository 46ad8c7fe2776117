package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"account_service/internal/auth"
	"account_service/internal/models"
	"account_service/internal/storage"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentMessage struct {
	to, subject, body string
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	// hook runs before the delivery result is returned.
	hook func()
}

func (d *fakeDeliverer) Deliver(_ context.Context, to, subject, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hook != nil {
		d.hook()
	}
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, sentMessage{to: to, subject: subject, body: body})
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

var linkPattern = regexp.MustCompile(`/reset-password/([0-9a-f]{40})`)

func (d *fakeDeliverer) lastToken(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.sent, "nothing delivered")
	m := linkPattern.FindStringSubmatch(d.sent[len(d.sent)-1].body)
	require.Len(t, m, 2, "no reset link in body")
	return m[1]
}

// ctxStorage fails writes whose context is already done, like a real driver.
type ctxStorage struct {
	storage.Storage
}

func (s ctxStorage) UpdateAccount(ctx context.Context, a *models.Account, opts storage.UpdateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Storage.UpdateAccount(ctx, a, opts)
}

// racingStorage hides existing accounts from the pre-insert lookup so the
// insert itself reports the duplicate.
type racingStorage struct {
	storage.Storage
}

func (racingStorage) GetAccountByEmail(context.Context, string) (*models.Account, error) {
	return nil, storage.ErrNotFound
}

type brokenStorage struct {
	storage.Storage
}

var errStoreDown = errors.New("connection refused")

func (brokenStorage) GetCredentialsByEmail(context.Context, string) (*models.Account, error) {
	return nil, errStoreDown
}

// interleavedStorage runs during once, right after a credentials read, so
// another request lands between a login's read and its write.
type interleavedStorage struct {
	storage.Storage
	during func()
	once   sync.Once
}

func (s *interleavedStorage) GetCredentialsByEmail(ctx context.Context, email string) (*models.Account, error) {
	acc, err := s.Storage.GetCredentialsByEmail(ctx, email)
	if s.during != nil {
		s.once.Do(s.during)
	}
	return acc, err
}

type fixture struct {
	store     storage.Storage
	clock     *testClock
	hasher    *auth.Hasher
	tokens    *auth.TokenGenerator
	signer    *auth.Signer
	deliverer *fakeDeliverer
	accounts  *AccountService
	resets    *ResetService
}

const sessionTTL = time.Hour

func newFixture(t *testing.T, st storage.Storage) *fixture {
	t.Helper()

	if st == nil {
		st = storage.NewMemoryStorage()
	}
	clock := newTestClock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	hasher, err := auth.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)

	signer, err := auth.NewSigner("test-secret", sessionTTL, auth.WithClock(clock.Now))
	require.NoError(t, err)

	tokens := auth.NewTokenGenerator()
	deliverer := &fakeDeliverer{}

	accounts := NewAccountService(st, hasher, signer, log)
	accounts.now = clock.Now

	resets := NewResetService(st, hasher, tokens, deliverer, ResetConfig{ClientURL: "http://localhost:3000/"}, log)
	resets.now = clock.Now

	return &fixture{
		store:     st,
		clock:     clock,
		hasher:    hasher,
		tokens:    tokens,
		signer:    signer,
		deliverer: deliverer,
		accounts:  accounts,
		resets:    resets,
	}
}

func (f *fixture) register(t *testing.T, email, password string) AuthResult {
	t.Helper()
	res, err := f.accounts.Register(context.Background(), RegisterInput{
		Name:     "Tran Thi B",
		Email:    email,
		Password: password,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) storedHash(t *testing.T, email string) string {
	t.Helper()
	acc, err := f.store.GetCredentialsByEmail(context.Background(), email)
	require.NoError(t, err)
	return acc.PasswordHash
}

func requireOopsCode(t *testing.T, err error, code string) {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %v", err)
	require.Equal(t, code, oopsErr.Code())
}

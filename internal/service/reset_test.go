package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account_service/internal/storage"
)

func TestRequestReset_UnknownEmail(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.resets.RequestReset(context.Background(), "ghost@example.com"))
	assert.Zero(t, f.deliverer.count())
}

func TestRequestReset_StoresDigestAndMailsToken(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "reset@example.com", "old-password")

	require.NoError(t, f.resets.RequestReset(context.Background(), "Reset@Example.com"))
	require.Equal(t, 1, f.deliverer.count())

	msg := f.deliverer.sent[0]
	assert.Equal(t, "reset@example.com", msg.to)
	assert.Equal(t, resetSubject, msg.subject)
	assert.Contains(t, msg.body, "http://localhost:3000/reset-password/")
	assert.Contains(t, msg.body, "10 minutes")

	token := f.deliverer.lastToken(t)

	acc, err := f.store.GetAccountByEmail(context.Background(), "reset@example.com")
	require.NoError(t, err)
	require.NotNil(t, acc.ResetToken)
	require.NotNil(t, acc.ResetExpiresAt)
	assert.Equal(t, f.tokens.Digest(token), *acc.ResetToken)
	assert.NotEqual(t, token, *acc.ResetToken, "plaintext must not be stored")
	assert.Equal(t, f.clock.Now().Add(DefaultResetTTL), *acc.ResetExpiresAt)
}

func TestRequestReset_MissingEmail(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.resets.RequestReset(context.Background(), "  "), ErrMissingInput)
}

func TestRequestReset_NewRequestReplacesOld(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "twice@example.com", "old-password")

	require.NoError(t, f.resets.RequestReset(context.Background(), "twice@example.com"))
	first := f.deliverer.lastToken(t)
	require.NoError(t, f.resets.RequestReset(context.Background(), "twice@example.com"))
	second := f.deliverer.lastToken(t)
	require.NotEqual(t, first, second)

	err := f.resets.CompleteReset(context.Background(), first, "new-password")
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	require.NoError(t, f.resets.CompleteReset(context.Background(), second, "new-password"))
}

func TestRequestReset_DeliveryFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "nomail@example.com", "old-password")

	smtpDown := errors.New("smtp: connection refused")
	f.deliverer.err = smtpDown

	err := f.resets.RequestReset(context.Background(), "nomail@example.com")
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.ErrorIs(t, err, smtpDown)
	requireOopsCode(t, err, "RESET_DELIVERY_FAILED")

	acc, err := f.store.GetAccountByEmail(context.Background(), "nomail@example.com")
	require.NoError(t, err)
	assert.Nil(t, acc.ResetToken)
	assert.Nil(t, acc.ResetExpiresAt)
}

func TestRequestReset_RollbackSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t, ctxStorage{Storage: storage.NewMemoryStorage()})
	f.register(t, "cancel@example.com", "old-password")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.deliverer.err = context.Canceled
	f.deliverer.hook = cancel

	err := f.resets.RequestReset(ctx, "cancel@example.com")
	require.ErrorIs(t, err, ErrDeliveryFailed)

	acc, err := f.store.GetAccountByEmail(context.Background(), "cancel@example.com")
	require.NoError(t, err)
	assert.Nil(t, acc.ResetToken, "rollback must run even after the request is cancelled")
}

func TestCompleteReset(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "complete@example.com", "old-password")

	require.NoError(t, f.resets.RequestReset(context.Background(), "complete@example.com"))
	token := f.deliverer.lastToken(t)

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.resets.CompleteReset(context.Background(), token, "new-password"))

	_, err := f.accounts.Login(context.Background(), "complete@example.com", "old-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.accounts.Login(context.Background(), "complete@example.com", "new-password")
	require.NoError(t, err)

	acc, err := f.store.GetAccountByEmail(context.Background(), "complete@example.com")
	require.NoError(t, err)
	assert.Nil(t, acc.ResetToken)
	assert.Nil(t, acc.ResetExpiresAt)

	err = f.resets.CompleteReset(context.Background(), token, "third-password")
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken, "token is single use")
}

func TestCompleteReset_NotRevivedByConcurrentLogin(t *testing.T) {
	st := &interleavedStorage{Storage: storage.NewMemoryStorage()}
	f := newFixture(t, st)
	f.register(t, "revive@example.com", "old-password")

	require.NoError(t, f.resets.RequestReset(context.Background(), "revive@example.com"))
	token := f.deliverer.lastToken(t)

	st.during = func() {
		require.NoError(t, f.resets.CompleteReset(context.Background(), token, "new-password"))
	}

	_, err := f.accounts.Login(context.Background(), "revive@example.com", "old-password")
	require.NoError(t, err, "credentials were read before the reset landed")

	acc, err := f.store.GetAccountByEmail(context.Background(), "revive@example.com")
	require.NoError(t, err)
	assert.Nil(t, acc.ResetToken)
	assert.Nil(t, acc.ResetExpiresAt)
	require.NotNil(t, acc.LastLoginAt)

	err = f.resets.CompleteReset(context.Background(), token, "third-password")
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	_, err = f.accounts.Login(context.Background(), "revive@example.com", "new-password")
	require.NoError(t, err)
}

func TestRequestReset_NotClearedByConcurrentLogin(t *testing.T) {
	st := &interleavedStorage{Storage: storage.NewMemoryStorage()}
	f := newFixture(t, st)
	f.register(t, "keep@example.com", "old-password")

	st.during = func() {
		require.NoError(t, f.resets.RequestReset(context.Background(), "keep@example.com"))
	}

	_, err := f.accounts.Login(context.Background(), "keep@example.com", "old-password")
	require.NoError(t, err)

	token := f.deliverer.lastToken(t)
	require.NoError(t, f.resets.CompleteReset(context.Background(), token, "new-password"))
}

func TestRequestReset_RollbackKeepsNewerToken(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "newer@example.com", "old-password")

	newer := f.tokens.Digest("newer-token")
	f.deliverer.err = errors.New("smtp: connection refused")
	f.deliverer.hook = func() {
		acc, err := f.store.GetAccountByEmail(context.Background(), "newer@example.com")
		require.NoError(t, err)
		acc.SetReset(newer, f.clock.Now().Add(DefaultResetTTL))
		require.NoError(t, f.store.UpdateAccount(context.Background(), acc, storage.UpdateOptions{Fields: storage.FieldReset}))
	}

	err := f.resets.RequestReset(context.Background(), "newer@example.com")
	require.ErrorIs(t, err, ErrDeliveryFailed)

	acc, err := f.store.FindByResetDigest(context.Background(), newer, f.clock.Now())
	require.NoError(t, err, "rollback must only clear its own digest")
	assert.Equal(t, newer, *acc.ResetToken)
}

func TestCompleteReset_Expired(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "late@example.com", "old-password")

	require.NoError(t, f.resets.RequestReset(context.Background(), "late@example.com"))
	token := f.deliverer.lastToken(t)

	f.clock.Advance(DefaultResetTTL + time.Second)

	err := f.resets.CompleteReset(context.Background(), token, "new-password")
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	_, err = f.accounts.Login(context.Background(), "late@example.com", "old-password")
	require.NoError(t, err, "password unchanged after failed reset")
}

func TestCompleteReset_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)

	require.ErrorIs(t, f.resets.CompleteReset(context.Background(), "", "pw"), ErrMissingInput)
	require.ErrorIs(t, f.resets.CompleteReset(context.Background(), "abc", ""), ErrMissingInput)
	require.ErrorIs(t, f.resets.CompleteReset(context.Background(), "deadbeef", "pw"), ErrInvalidOrExpiredToken)
}

func TestCompleteReset_DigestAloneIsUseless(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "digest@example.com", "old-password")
	require.NoError(t, f.resets.RequestReset(context.Background(), "digest@example.com"))

	acc, err := f.store.GetAccountByEmail(context.Background(), "digest@example.com")
	require.NoError(t, err)

	err = f.resets.CompleteReset(context.Background(), *acc.ResetToken, "new-password")
	require.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestCompleteReset_ConcurrentUseSucceedsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "race@example.com", "old-password")
	require.NoError(t, f.resets.RequestReset(context.Background(), "race@example.com"))
	token := f.deliverer.lastToken(t)

	const workers = 8
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		rejected atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.resets.CompleteReset(context.Background(), token, "new-password")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrInvalidOrExpiredToken):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), rejected.Load())
}

func TestResetLink(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "http://localhost:3000/reset-password/abc", f.resets.ResetLink("abc"))
}

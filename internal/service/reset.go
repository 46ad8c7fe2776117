package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"

	"account_service/internal/auth"
	"account_service/internal/mailer"
	"account_service/internal/models"
	"account_service/internal/storage"
)

// ResetRequestedMessage is shown for every accepted reset request, whether or
// not the email belongs to an account.
const ResetRequestedMessage = "If an account with that email exists, a password reset link has been sent."

const (
	DefaultResetTTL        = 10 * time.Minute
	DefaultDeliveryTimeout = 5 * time.Second

	resetSubject    = "Password reset request"
	rollbackTimeout = 5 * time.Second
)

type ResetConfig struct {
	TTL             time.Duration
	DeliveryTimeout time.Duration
	// ClientURL is the frontend base the reset link points at.
	ClientURL string
}

type ResetService struct {
	storage   storage.Storage
	hasher    *auth.Hasher
	tokens    *auth.TokenGenerator
	deliverer mailer.Deliverer
	cfg       ResetConfig
	log       *slog.Logger
	now       func() time.Time
}

func NewResetService(
	st storage.Storage,
	hasher *auth.Hasher,
	tokens *auth.TokenGenerator,
	deliverer mailer.Deliverer,
	cfg ResetConfig,
	log *slog.Logger,
) *ResetService {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultResetTTL
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	cfg.ClientURL = strings.TrimRight(cfg.ClientURL, "/")

	return &ResetService{
		storage:   st,
		hasher:    hasher,
		tokens:    tokens,
		deliverer: deliverer,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// RequestReset stores a fresh reset digest for the account and mails the
// plaintext link. Unknown emails succeed silently. If delivery fails the
// digest is cleared again and ErrDeliveryFailed is returned.
func (s *ResetService) RequestReset(ctx context.Context, email string) error {
	const op = "service.RequestReset"

	log := s.log.With(slog.String("op", op))

	email = models.NormalizeEmail(email)
	if email == "" {
		return ErrMissingInput
	}

	account, err := s.storage.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug("reset requested for unknown email")
			return nil
		}
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "GetAccountByEmail").
			Wrap(err)
	}

	token, digest, err := s.tokens.Generate()
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "Generate").
			Wrap(err)
	}

	now := s.now().UTC()
	account.SetReset(digest, now.Add(s.cfg.TTL))
	account.UpdatedAt = now

	if err := s.storage.UpdateAccount(ctx, account, storage.UpdateOptions{Fields: storage.FieldReset}); err != nil {
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "UpdateAccount").
			Wrap(err)
	}

	deliverCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	if err := s.deliverer.Deliver(deliverCtx, account.Email, resetSubject, s.resetBody(token)); err != nil {
		log.Warn("reset delivery failed, rolling back",
			slog.String("account_id", account.ID.String()),
			slog.String("error", err.Error()),
		)
		s.rollback(ctx, account, digest)

		return oops.Code("RESET_DELIVERY_FAILED").
			With("operation", "Deliver").
			With("account_id", account.ID.String()).
			Wrap(fmt.Errorf("%w: %w", ErrDeliveryFailed, err))
	}

	log.Info("reset link sent", slog.String("account_id", account.ID.String()))

	return nil
}

// rollback clears the reset fields if they still hold digest. It runs on a
// fresh context so a request that was cancelled mid-delivery still leaves no
// live digest behind.
func (s *ResetService) rollback(ctx context.Context, account *models.Account, digest string) {
	const op = "service.RequestReset.rollback"

	log := s.log.With(
		slog.String("op", op),
		slog.String("account_id", account.ID.String()),
	)

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	account.ClearReset()
	account.UpdatedAt = s.now().UTC()

	err := s.storage.UpdateAccount(rbCtx, account, storage.UpdateOptions{
		Fields:       storage.FieldReset,
		IfResetToken: &digest,
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Debug("reset token already replaced, nothing to roll back")
	case err != nil:
		log.Error("failed to clear reset token", slog.String("error", err.Error()))
	}
}

// CompleteReset sets a new password for the account holding the digest of
// token. The digest is consumed atomically, so a token works at most once.
// No session is issued; the user logs in with the new password.
func (s *ResetService) CompleteReset(ctx context.Context, token, newPassword string) error {
	const op = "service.CompleteReset"

	log := s.log.With(slog.String("op", op))

	token = strings.TrimSpace(token)
	if token == "" || newPassword == "" {
		return ErrMissingInput
	}

	digest := s.tokens.Digest(token)
	now := s.now().UTC()

	if _, err := s.storage.FindByResetDigest(ctx, digest, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "FindByResetDigest").
			Wrap(err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "Hash").
			Wrap(err)
	}

	account, err := s.storage.ConsumeResetToken(ctx, digest, now, hash)
	if err != nil {
		// someone else consumed it, or it expired while hashing
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "ConsumeResetToken").
			Wrap(err)
	}

	log.Info("password reset", slog.String("account_id", account.ID.String()))

	return nil
}

// ResetLink is the URL mailed to the account owner.
func (s *ResetService) ResetLink(token string) string {
	return s.cfg.ClientURL + "/reset-password/" + token
}

func (s *ResetService) resetBody(token string) string {
	return fmt.Sprintf("You are receiving this email because you (or someone else) requested a password reset for your account. "+
		"Open the following link to choose a new password:\n\n%s\n\n"+
		"If you did not request this, ignore this email. The link expires in %d minutes.",
		s.ResetLink(token), int(s.cfg.TTL.Minutes()))
}

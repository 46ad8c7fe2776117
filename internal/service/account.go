package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/samber/oops"

	"account_service/internal/auth"
	"account_service/internal/models"
	"account_service/internal/storage"
)

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Phone    string
}

// AuthResult is what a successful register or login hands back to the caller.
type AuthResult struct {
	Account   models.PublicAccount
	Token     string
	ExpiresAt time.Time
}

type AccountService struct {
	storage storage.Storage
	hasher  *auth.Hasher
	signer  *auth.Signer
	log     *slog.Logger
	now     func() time.Time
}

func NewAccountService(st storage.Storage, hasher *auth.Hasher, signer *auth.Signer, log *slog.Logger) *AccountService {
	return &AccountService{
		storage: st,
		hasher:  hasher,
		signer:  signer,
		log:     log,
		now:     time.Now,
	}
}

func (s *AccountService) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	const op = "service.Register"

	log := s.log.With(slog.String("op", op))

	name := strings.TrimSpace(in.Name)
	email := models.NormalizeEmail(in.Email)
	if name == "" || email == "" || in.Password == "" {
		return AuthResult{}, ErrMissingInput
	}

	_, err := s.storage.GetAccountByEmail(ctx, email)
	switch {
	case err == nil:
		return AuthResult{}, ErrDuplicateIdentity
	case !errors.Is(err, storage.ErrNotFound):
		return AuthResult{}, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "GetAccountByEmail").
			Wrap(err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return AuthResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return AuthResult{}, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "Hash").
			Wrap(err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return AuthResult{}, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "NewV4").
			Wrap(err)
	}

	now := s.now().UTC()
	account := &models.Account{
		ID:           id,
		Name:         name,
		Email:        email,
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: hash,
		Role:         models.RoleBuyer,
		Status:       models.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.storage.CreateAccount(ctx, account); err != nil {
		// lost a race with a concurrent registration for the same email
		if errors.Is(err, storage.ErrAlreadyExists) {
			return AuthResult{}, ErrDuplicateIdentity
		}
		return AuthResult{}, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "CreateAccount").
			Wrap(err)
	}

	result, err := s.issue(account)
	if err != nil {
		return AuthResult{}, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "Issue").
			Wrap(err)
	}

	log.Info("account registered", slog.String("account_id", id.String()))

	return result, nil
}

// Login checks the password and opens a session. Unknown email and wrong
// password fail with the same error after comparable work.
func (s *AccountService) Login(ctx context.Context, email, password string) (AuthResult, error) {
	const op = "service.Login"

	log := s.log.With(slog.String("op", op))

	email = models.NormalizeEmail(email)
	if email == "" || password == "" {
		return AuthResult{}, ErrInvalidCredentials
	}

	account, err := s.storage.GetCredentialsByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.hasher.VerifyDummy(password)
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, oops.Code("ACCOUNT_LOGIN_FAILED").
			With("operation", "GetCredentialsByEmail").
			Wrap(err)
	}

	if !s.hasher.Verify(password, account.PasswordHash) {
		log.Debug("password mismatch", slog.String("account_id", account.ID.String()))
		return AuthResult{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	account.LastLoginAt = &now
	account.UpdatedAt = now

	if err := s.storage.UpdateAccount(ctx, account, storage.UpdateOptions{Fields: storage.FieldLastLogin}); err != nil {
		return AuthResult{}, oops.Code("ACCOUNT_LOGIN_FAILED").
			With("operation", "UpdateAccount").
			Wrap(err)
	}

	result, err := s.issue(account)
	if err != nil {
		return AuthResult{}, oops.Code("ACCOUNT_LOGIN_FAILED").
			With("operation", "Issue").
			Wrap(err)
	}

	log.Info("account logged in", slog.String("account_id", account.ID.String()))

	return result, nil
}

// Logout only acknowledges. Sessions are stateless, so the transport drops
// the cookie and the token stays valid until it expires.
func (s *AccountService) Logout(_ context.Context, id uuid.UUID) error {
	s.log.Info("account logged out",
		slog.String("op", "service.Logout"),
		slog.String("account_id", id.String()),
	)
	return nil
}

func (s *AccountService) CurrentIdentity(ctx context.Context, id uuid.UUID) (models.PublicAccount, error) {
	account, err := s.storage.GetAccountByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.PublicAccount{}, ErrNotFound
		}
		return models.PublicAccount{}, oops.Code("ACCOUNT_LOOKUP_FAILED").
			With("operation", "GetAccountByID").
			With("account_id", id.String()).
			Wrap(err)
	}

	return models.ToPublicView(account), nil
}

func (s *AccountService) issue(account *models.Account) (AuthResult, error) {
	token, expiresAt, err := s.signer.Issue(account.ID.String(), string(account.Role))
	if err != nil {
		return AuthResult{}, err
	}

	return AuthResult{
		Account:   models.ToPublicView(account),
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

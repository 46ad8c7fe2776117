package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"account_service/internal/models"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrAlreadyExists = errors.New("account with this email already exists")
	ErrInvalidRecord = errors.New("invalid account record")
)

// Field selects a group of stored fields written by UpdateAccount.
type Field uint8

const (
	// FieldProfile covers name, phone, role, status and the email-verified flag.
	FieldProfile Field = 1 << iota
	FieldLastLogin
	// FieldReset covers the reset digest and its expiry. Only the reset flow writes it.
	FieldReset
)

// UpdateOptions makes the side effects of an update explicit at the call site.
// Fields not selected keep their stored values, so a write based on a stale
// read cannot undo a concurrent change to them.
type UpdateOptions struct {
	// Validate runs full record validation before writing.
	Validate bool
	// PasswordChanged persists Account.PasswordHash. Without it the stored hash is left untouched.
	PasswordChanged bool
	// Fields selects what is written besides updated_at.
	Fields Field
	// IfResetToken makes the write conditional on the stored reset digest
	// still being this value. A mismatch reports ErrNotFound.
	IfResetToken *string
}

func (o UpdateOptions) has(f Field) bool {
	return o.Fields&f != 0
}

// Storage is the credential store. Reads other than GetCredentialsByEmail never
// load the password hash.
type Storage interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetCredentialsByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByResetDigest(ctx context.Context, digest string, now time.Time) (*models.Account, error)
	UpdateAccount(ctx context.Context, account *models.Account, opts UpdateOptions) error

	// ConsumeResetToken atomically matches an unexpired reset digest, clears it
	// and stores passwordHash. Only one caller can consume a given digest.
	ConsumeResetToken(ctx context.Context, digest string, now time.Time, passwordHash string) (*models.Account, error)

	Ping(ctx context.Context) error
	Close()
}

// Validate checks the invariants every persisted account must hold.
func Validate(a *models.Account) error {
	return validate(a, true)
}

// validateUpdate is Validate for writes that leave the stored password hash alone.
func validateUpdate(a *models.Account, opts UpdateOptions) error {
	return validate(a, opts.PasswordChanged)
}

func validate(a *models.Account, checkHash bool) error {
	switch {
	case a.ID == uuid.Nil:
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case a.Email == "" || a.Email != models.NormalizeEmail(a.Email):
		return fmt.Errorf("%w: email must be normalized", ErrInvalidRecord)
	case checkHash && a.PasswordHash == "":
		return fmt.Errorf("%w: empty password hash", ErrInvalidRecord)
	case !a.Role.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRecord, a.Role)
	case !a.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, a.Status)
	case (a.ResetToken == nil) != (a.ResetExpiresAt == nil):
		return fmt.Errorf("%w: reset token and expiry must be set together", ErrInvalidRecord)
	}
	return nil
}

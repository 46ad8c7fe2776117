package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"account_service/internal/models"
)

// MemoryStorage keeps accounts in process memory. It backs the "memory" driver
// and the service tests.
type MemoryStorage struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*models.Account
	byEmail  map[string]uuid.UUID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		accounts: make(map[uuid.UUID]*models.Account),
		byEmail:  make(map[string]uuid.UUID),
	}
}

func (m *MemoryStorage) CreateAccount(_ context.Context, account *models.Account) error {
	const op = "storage.memory.CreateAccount"

	if err := Validate(account); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[account.Email]; ok {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}

	m.accounts[account.ID] = cloneAccount(account)
	m.byEmail[account.Email] = account.ID

	return nil
}

func (m *MemoryStorage) GetAccountByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	const op = "storage.memory.GetAccountByID"

	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return withoutSecrets(acc), nil
}

func (m *MemoryStorage) GetAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	const op = "storage.memory.GetAccountByEmail"

	acc, err := m.byEmailLocked(email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return withoutSecrets(acc), nil
}

func (m *MemoryStorage) GetCredentialsByEmail(_ context.Context, email string) (*models.Account, error) {
	const op = "storage.memory.GetCredentialsByEmail"

	acc, err := m.byEmailLocked(email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (m *MemoryStorage) FindByResetDigest(_ context.Context, digest string, now time.Time) (*models.Account, error) {
	const op = "storage.memory.FindByResetDigest"

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acc := range m.accounts {
		if acc.HasPendingReset(now) && *acc.ResetToken == digest {
			return withoutSecrets(acc), nil
		}
	}

	return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
}

func (m *MemoryStorage) UpdateAccount(_ context.Context, account *models.Account, opts UpdateOptions) error {
	const op = "storage.memory.UpdateAccount"

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[account.ID]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	if opts.IfResetToken != nil && (stored.ResetToken == nil || *stored.ResetToken != *opts.IfResetToken) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	src := cloneAccount(account)
	next := cloneAccount(stored)
	if opts.has(FieldProfile) {
		next.Name = account.Name
		next.Phone = account.Phone
		next.Role = account.Role
		next.Status = account.Status
		next.EmailVerified = account.EmailVerified
	}
	if opts.has(FieldLastLogin) {
		next.LastLoginAt = src.LastLoginAt
	}
	if opts.has(FieldReset) {
		next.ResetToken = src.ResetToken
		next.ResetExpiresAt = src.ResetExpiresAt
	}
	if opts.PasswordChanged {
		next.PasswordHash = account.PasswordHash
	}
	next.UpdatedAt = account.UpdatedAt

	if opts.Validate {
		if err := validateUpdate(next, opts); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	m.accounts[account.ID] = next

	return nil
}

func (m *MemoryStorage) ConsumeResetToken(_ context.Context, digest string, now time.Time, passwordHash string) (*models.Account, error) {
	const op = "storage.memory.ConsumeResetToken"

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, acc := range m.accounts {
		if !acc.HasPendingReset(now) || *acc.ResetToken != digest {
			continue
		}

		next := cloneAccount(acc)
		next.PasswordHash = passwordHash
		next.ClearReset()
		next.UpdatedAt = now

		if err := Validate(next); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		m.accounts[id] = next

		return withoutSecrets(next), nil
	}

	return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
}

func (m *MemoryStorage) Ping(context.Context) error {
	return nil
}

func (m *MemoryStorage) Close() {}

func (m *MemoryStorage) byEmailLocked(email string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[models.NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}

	return cloneAccount(m.accounts[id]), nil
}

func cloneAccount(a *models.Account) *models.Account {
	c := *a
	if a.ResetToken != nil {
		v := *a.ResetToken
		c.ResetToken = &v
	}
	if a.ResetExpiresAt != nil {
		v := *a.ResetExpiresAt
		c.ResetExpiresAt = &v
	}
	if a.LastLoginAt != nil {
		v := *a.LastLoginAt
		c.LastLoginAt = &v
	}
	return &c
}

func withoutSecrets(a *models.Account) *models.Account {
	c := cloneAccount(a)
	c.PasswordHash = ""
	return c
}

var _ Storage = (*MemoryStorage)(nil)

package models

import (
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

type Status string

const (
	StatusActive              Status = "active"
	StatusSuspended           Status = "suspended"
	StatusPendingVerification Status = "pending_verification"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusPendingVerification:
		return true
	}
	return false
}

// Account is the stored identity record. It carries credential material and
// must never leave the service layer; use ToPublicView for anything outbound.
type Account struct {
	ID             uuid.UUID
	Name           string
	Email          string // normalized
	Phone          string
	PasswordHash   string `json:"-"`
	Role           Role
	Status         Status
	EmailVerified  bool
	ResetToken     *string    `json:"-"` // sha256 hex digest of the outstanding reset secret
	ResetExpiresAt *time.Time `json:"-"`
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PublicAccount is the outbound view of an Account. It has no credential fields.
type PublicAccount struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Phone         string     `json:"phoneNumber,omitempty"`
	Role          Role       `json:"role"`
	Status        Status     `json:"status"`
	EmailVerified bool       `json:"isEmailVerified"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func ToPublicView(a *Account) PublicAccount {
	return PublicAccount{
		ID:            a.ID,
		Name:          a.Name,
		Email:         a.Email,
		Phone:         a.Phone,
		Role:          a.Role,
		Status:        a.Status,
		EmailVerified: a.EmailVerified,
		LastLoginAt:   a.LastLoginAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// NormalizeEmail returns the unique account key for an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasPendingReset reports whether a reset secret is outstanding at now.
func (a *Account) HasPendingReset(now time.Time) bool {
	return a.ResetToken != nil && a.ResetExpiresAt != nil && a.ResetExpiresAt.After(now)
}

func (a *Account) SetReset(digest string, expiresAt time.Time) {
	a.ResetToken = &digest
	a.ResetExpiresAt = &expiresAt
}

func (a *Account) ClearReset() {
	a.ResetToken = nil
	a.ResetExpiresAt = nil
}

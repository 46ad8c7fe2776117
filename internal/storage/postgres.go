package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"account_service/internal/models"
)

const accountsTable = "accounts"

const (
	publicColumns      = "id, name, email, phone, role, status, email_verified, reset_token, reset_expires_at, last_login_at, created_at, updated_at"
	credentialsColumns = publicColumns + ", password_hash"
)

// pgxPool is the subset of *pgxpool.Pool the storage uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type PostgresStorage struct {
	db pgxPool
}

// NewPostgresStorage connects to dbURL, retrying the initial ping with
// exponential backoff until ctx is done or the attempts run out.
func NewPostgresStorage(ctx context.Context, dbURL string) (*PostgresStorage, error) {
	const op = "storage.NewPostgresStorage"

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &PostgresStorage{db: pool}, nil
}

func newPostgresStorage(db pgxPool) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (p *PostgresStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	const op = "storage.CreateAccount"

	if err := Validate(account); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, accountsTable, credentialsColumns)

	_, err := p.db.Exec(ctx, query,
		account.ID.String(),
		account.Name,
		account.Email,
		account.Phone,
		string(account.Role),
		string(account.Status),
		account.EmailVerified,
		account.ResetToken,
		account.ResetExpiresAt,
		account.LastLoginAt,
		account.CreatedAt,
		account.UpdatedAt,
		account.PasswordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	const op = "storage.GetAccountByID"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1", publicColumns, accountsTable)

	acc, err := scanAccount(p.db.QueryRow(ctx, query, id.String()), false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	const op = "storage.GetAccountByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=$1", publicColumns, accountsTable)

	acc, err := scanAccount(p.db.QueryRow(ctx, query, models.NormalizeEmail(email)), false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) GetCredentialsByEmail(ctx context.Context, email string) (*models.Account, error) {
	const op = "storage.GetCredentialsByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=$1", credentialsColumns, accountsTable)

	acc, err := scanAccount(p.db.QueryRow(ctx, query, models.NormalizeEmail(email)), true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) FindByResetDigest(ctx context.Context, digest string, now time.Time) (*models.Account, error) {
	const op = "storage.FindByResetDigest"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE reset_token=$1 AND reset_expires_at > $2", publicColumns, accountsTable)

	acc, err := scanAccount(p.db.QueryRow(ctx, query, digest, now), false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) UpdateAccount(ctx context.Context, account *models.Account, opts UpdateOptions) error {
	const op = "storage.UpdateAccount"

	if opts.Validate {
		if err := validateUpdate(account, opts); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	args := []any{account.ID.String()}
	var sets []string
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if opts.has(FieldProfile) {
		set("name", account.Name)
		set("phone", account.Phone)
		set("role", string(account.Role))
		set("status", string(account.Status))
		set("email_verified", account.EmailVerified)
	}
	if opts.has(FieldLastLogin) {
		set("last_login_at", account.LastLoginAt)
	}
	if opts.has(FieldReset) {
		set("reset_token", account.ResetToken)
		set("reset_expires_at", account.ResetExpiresAt)
	}
	if opts.PasswordChanged {
		set("password_hash", account.PasswordHash)
	}
	set("updated_at", account.UpdatedAt)

	where := "id=$1"
	if opts.IfResetToken != nil {
		args = append(args, *opts.IfResetToken)
		where += fmt.Sprintf(" AND reset_token=$%d", len(args))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", accountsTable, strings.Join(sets, ", "), where)

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (p *PostgresStorage) ConsumeResetToken(ctx context.Context, digest string, now time.Time, passwordHash string) (*models.Account, error) {
	const op = "storage.ConsumeResetToken"

	if passwordHash == "" {
		return nil, fmt.Errorf("%s: %w: empty password hash", op, ErrInvalidRecord)
	}

	query := fmt.Sprintf(`UPDATE %s
	SET password_hash=$3, reset_token=NULL, reset_expires_at=NULL, updated_at=$2
	WHERE reset_token=$1 AND reset_expires_at > $2
	RETURNING %s`, accountsTable, publicColumns)

	acc, err := scanAccount(p.db.QueryRow(ctx, query, digest, now, passwordHash), false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *PostgresStorage) Close() {
	p.db.Close()
}

// scanAccount reads a row selected with publicColumns, or credentialsColumns
// when withPassword is set.
func scanAccount(row pgx.Row, withPassword bool) (*models.Account, error) {
	var (
		idStr          string
		name           string
		email          string
		phone          string
		role           string
		status         string
		emailVerified  bool
		resetToken     *string
		resetExpiresAt *time.Time
		lastLoginAt    *time.Time
		createdAt      time.Time
		updatedAt      time.Time
		passwordHash   string
	)

	dest := []any{
		&idStr, &name, &email, &phone, &role, &status, &emailVerified,
		&resetToken, &resetExpiresAt, &lastLoginAt, &createdAt, &updatedAt,
	}
	if withPassword {
		dest = append(dest, &passwordHash)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	id, err := uuid.FromString(idStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id %q: %v", ErrInvalidRecord, idStr, err)
	}

	return &models.Account{
		ID:             id,
		Name:           name,
		Email:          email,
		Phone:          phone,
		PasswordHash:   passwordHash,
		Role:           models.Role(role),
		Status:         models.Status(status),
		EmailVerified:  emailVerified,
		ResetToken:     resetToken,
		ResetExpiresAt: resetExpiresAt,
		LastLoginAt:    lastLoginAt,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

var _ Storage = (*PostgresStorage)(nil)

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"account_service/internal/models"
)

const accountsCollection = "accounts"

// accountDocument is the bson shape of an account.
type accountDocument struct {
	ID             string     `bson:"_id"`
	Name           string     `bson:"name"`
	Email          string     `bson:"email"`
	Phone          string     `bson:"phoneNumber,omitempty"`
	PasswordHash   string     `bson:"password,omitempty"`
	Role           string     `bson:"role"`
	Status         string     `bson:"status"`
	EmailVerified  bool       `bson:"isEmailVerified"`
	ResetToken     *string    `bson:"passwordResetToken"`
	ResetExpiresAt *time.Time `bson:"passwordResetExpires"`
	LastLoginAt    *time.Time `bson:"lastLoginAt"`
	CreatedAt      time.Time  `bson:"createdAt"`
	UpdatedAt      time.Time  `bson:"updatedAt"`
}

// withoutPassword is applied to every read except GetCredentialsByEmail.
var withoutPassword = bson.D{{Key: "password", Value: 0}}

type MongoStorage struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStorage connects to uri and ensures the unique email index exists.
func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	const op = "storage.NewMongoStorage"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	coll := client.Database(database).Collection(accountsCollection)

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("accounts_email_key"),
		},
		{
			Keys:    bson.D{{Key: "passwordResetToken", Value: 1}},
			Options: options.Index().SetSparse(true).SetName("accounts_reset_token_idx"),
		},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &MongoStorage{client: client, coll: coll}, nil
}

func (s *MongoStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	const op = "storage.mongo.CreateAccount"

	if err := Validate(account); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.coll.InsertOne(ctx, toDocument(account)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *MongoStorage) GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	const op = "storage.mongo.GetAccountByID"

	acc, err := s.findOne(ctx, bson.D{{Key: "_id", Value: id.String()}}, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (s *MongoStorage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	const op = "storage.mongo.GetAccountByEmail"

	acc, err := s.findOne(ctx, bson.D{{Key: "email", Value: models.NormalizeEmail(email)}}, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (s *MongoStorage) GetCredentialsByEmail(ctx context.Context, email string) (*models.Account, error) {
	const op = "storage.mongo.GetCredentialsByEmail"

	acc, err := s.findOne(ctx, bson.D{{Key: "email", Value: models.NormalizeEmail(email)}}, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (s *MongoStorage) FindByResetDigest(ctx context.Context, digest string, now time.Time) (*models.Account, error) {
	const op = "storage.mongo.FindByResetDigest"

	acc, err := s.findOne(ctx, resetFilter(digest, now), false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (s *MongoStorage) UpdateAccount(ctx context.Context, account *models.Account, opts UpdateOptions) error {
	const op = "storage.mongo.UpdateAccount"

	if opts.Validate {
		if err := validateUpdate(account, opts); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	set := bson.D{{Key: "updatedAt", Value: account.UpdatedAt}}
	if opts.has(FieldProfile) {
		set = append(set,
			bson.E{Key: "name", Value: account.Name},
			bson.E{Key: "phoneNumber", Value: account.Phone},
			bson.E{Key: "role", Value: string(account.Role)},
			bson.E{Key: "status", Value: string(account.Status)},
			bson.E{Key: "isEmailVerified", Value: account.EmailVerified},
		)
	}
	if opts.has(FieldLastLogin) {
		set = append(set, bson.E{Key: "lastLoginAt", Value: account.LastLoginAt})
	}
	if opts.has(FieldReset) {
		set = append(set,
			bson.E{Key: "passwordResetToken", Value: account.ResetToken},
			bson.E{Key: "passwordResetExpires", Value: account.ResetExpiresAt},
		)
	}
	if opts.PasswordChanged {
		set = append(set, bson.E{Key: "password", Value: account.PasswordHash})
	}

	filter := bson.D{{Key: "_id", Value: account.ID.String()}}
	if opts.IfResetToken != nil {
		filter = append(filter, bson.E{Key: "passwordResetToken", Value: *opts.IfResetToken})
	}

	res, err := s.coll.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (s *MongoStorage) ConsumeResetToken(ctx context.Context, digest string, now time.Time, passwordHash string) (*models.Account, error) {
	const op = "storage.mongo.ConsumeResetToken"

	if passwordHash == "" {
		return nil, fmt.Errorf("%s: %w: empty password hash", op, ErrInvalidRecord)
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "password", Value: passwordHash},
		{Key: "passwordResetToken", Value: nil},
		{Key: "passwordResetExpires", Value: nil},
		{Key: "updatedAt", Value: now},
	}}}

	findOpts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(withoutPassword)

	var doc accountDocument
	err := s.coll.FindOneAndUpdate(ctx, resetFilter(digest, now), update, findOpts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return fromDocument(&doc)
}

func (s *MongoStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStorage) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

func (s *MongoStorage) findOne(ctx context.Context, filter bson.D, withPassword bool) (*models.Account, error) {
	findOpts := options.FindOne()
	if !withPassword {
		findOpts.SetProjection(withoutPassword)
	}

	var doc accountDocument
	if err := s.coll.FindOne(ctx, filter, findOpts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return fromDocument(&doc)
}

func resetFilter(digest string, now time.Time) bson.D {
	return bson.D{
		{Key: "passwordResetToken", Value: digest},
		{Key: "passwordResetExpires", Value: bson.D{{Key: "$gt", Value: now}}},
	}
}

func toDocument(a *models.Account) *accountDocument {
	return &accountDocument{
		ID:             a.ID.String(),
		Name:           a.Name,
		Email:          a.Email,
		Phone:          a.Phone,
		PasswordHash:   a.PasswordHash,
		Role:           string(a.Role),
		Status:         string(a.Status),
		EmailVerified:  a.EmailVerified,
		ResetToken:     a.ResetToken,
		ResetExpiresAt: a.ResetExpiresAt,
		LastLoginAt:    a.LastLoginAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func fromDocument(d *accountDocument) (*models.Account, error) {
	id, err := uuid.FromString(d.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id %q: %v", ErrInvalidRecord, d.ID, err)
	}

	return &models.Account{
		ID:             id,
		Name:           d.Name,
		Email:          d.Email,
		Phone:          d.Phone,
		PasswordHash:   d.PasswordHash,
		Role:           models.Role(d.Role),
		Status:         models.Status(d.Status),
		EmailVerified:  d.EmailVerified,
		ResetToken:     d.ResetToken,
		ResetExpiresAt: d.ResetExpiresAt,
		LastLoginAt:    d.LastLoginAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}

var _ Storage = (*MongoStorage)(nil)

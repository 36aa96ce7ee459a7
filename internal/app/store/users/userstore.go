// internal/app/store/users/userstore.go
package userstore

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/dalemusser/stratashift/internal/app/system/normalize"
	"github.com/dalemusser/stratashift/internal/domain/models"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/dalemusser/waffle/pantry/text"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrNotFound is returned when no user matches.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateLoginID is returned when attempting to create a user with a login_id that already exists.
	ErrDuplicateLoginID = errors.New("a user with this login ID already exists")
	// ErrMFANotPending is returned by EnableMFA when no secret is enrolled.
	ErrMFANotPending = errors.New("no pending MFA enrollment")
	// ErrMFAStepUsed is returned by ClaimMFAStep for a step at or before
	// the last accepted one.
	ErrMFAStepUsed = errors.New("MFA code already used")

	errBadRole   = errors.New("invalid role")
	errBadStatus = errors.New(`status must be "active"|"disabled"`)
)

type Store struct {
	c *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("users")}
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	var u models.User
	if err := s.c.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetByID loads a user by ObjectID.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// GetByIDs loads multiple users by their ObjectIDs.
func (s *Store) GetByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.find(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

// GetByLoginID looks up a user by case/diacritic-insensitive login_id.
func (s *Store) GetByLoginID(ctx context.Context, loginID string) (*models.User, error) {
	return s.findOne(ctx, bson.M{"login_id_ci": text.Fold(normalize.LoginID(loginID))})
}

// GetByEmail looks up a user by email address (case-insensitive).
func (s *Store) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findOne(ctx, bson.M{"email": normalize.Email(email)})
}

// CreateInput holds the fields for creating a new user.
type CreateInput struct {
	FullName     string
	LoginID      string
	Email        string
	AuthMethod   string
	Role         string
	Department   string
	ShiftStart   string
	PasswordHash *string
}

// Create inserts a new user after normalizing & validating fields.
func (s *Store) Create(ctx context.Context, in CreateInput) (models.User, error) {
	u := models.User{
		ID:           primitive.NewObjectID(),
		FullName:     normalize.Name(in.FullName),
		LoginID:      normalize.LoginID(in.LoginID),
		AuthMethod:   normalize.AuthMethod(in.AuthMethod),
		Role:         normalize.Role(in.Role),
		Status:       models.StatusActive,
		Department:   normalize.Name(in.Department),
		PasswordHash: in.PasswordHash,
	}
	u.FullNameCI = text.Fold(u.FullName)
	u.LoginIDCI = text.Fold(u.LoginID)
	if in.Email != "" {
		email := normalize.Email(in.Email)
		u.Email = &email
	}
	if in.ShiftStart != "" {
		ss := in.ShiftStart
		u.ShiftStart = &ss
	}

	if !models.IsValidRole(u.Role) {
		return models.User{}, errBadRole
	}

	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now

	if _, err := s.c.InsertOne(ctx, u); err != nil {
		if wafflemongo.IsDup(err) {
			return models.User{}, ErrDuplicateLoginID
		}
		return models.User{}, err
	}
	return u, nil
}

// UpdateInput holds the optional fields for updating a user.
// All fields are pointers - nil means "don't update this field".
// An empty ShiftStart clears the per-user override.
type UpdateInput struct {
	FullName     *string
	LoginID      *string
	Email        *string
	AuthMethod   *string
	Role         *string
	Status       *string
	Department   *string
	ShiftStart   *string
	PasswordHash *string
}

// Update updates a user using optional fields.
// Returns ErrDuplicateLoginID if the login_id already exists for another user.
func (s *Store) Update(ctx context.Context, id primitive.ObjectID, in UpdateInput) error {
	set := bson.M{"updated_at": time.Now()}
	unset := bson.M{}

	if in.FullName != nil {
		name := normalize.Name(*in.FullName)
		set["full_name"] = name
		set["full_name_ci"] = text.Fold(name)
	}
	if in.LoginID != nil {
		loginID := normalize.LoginID(*in.LoginID)
		set["login_id"] = loginID
		set["login_id_ci"] = text.Fold(loginID)
	}
	if in.Email != nil {
		email := normalize.Email(*in.Email)
		set["email"] = email
		set["email_verified"] = false
	}
	if in.AuthMethod != nil {
		set["auth_method"] = normalize.AuthMethod(*in.AuthMethod)
	}
	if in.Role != nil {
		role := normalize.Role(*in.Role)
		if !models.IsValidRole(role) {
			return errBadRole
		}
		set["role"] = role
	}
	if in.Status != nil {
		st := normalize.Status(*in.Status)
		if !models.IsValidStatus(st) {
			return errBadStatus
		}
		set["status"] = st
	}
	if in.Department != nil {
		set["department"] = normalize.Name(*in.Department)
	}
	if in.ShiftStart != nil {
		if *in.ShiftStart == "" {
			unset["shift_start"] = ""
		} else {
			set["shift_start"] = *in.ShiftStart
		}
	}
	if in.PasswordHash != nil {
		set["password_hash"] = *in.PasswordHash
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		if wafflemongo.IsDup(err) {
			return ErrDuplicateLoginID
		}
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus sets a user's status. ctx may be a transaction session context.
func (s *Store) SetStatus(ctx context.Context, id primitive.ObjectID, st string) error {
	if !models.IsValidStatus(st) {
		return errBadStatus
	}
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":     st,
		"updated_at": time.Now(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailVerified flags email as verified, provided it is still the
// user's address.
func (s *Store) MarkEmailVerified(ctx context.Context, id primitive.ObjectID, email string) error {
	res, err := s.c.UpdateOne(ctx,
		bson.M{"_id": id, "email": normalize.Email(email)},
		bson.M{"$set": bson.M{"email_verified": true, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMFAPending stores a freshly enrolled TOTP secret awaiting confirmation.
func (s *Store) SetMFAPending(ctx context.Context, id primitive.ObjectID, secret string) error {
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"mfa_pending_secret": secret,
		"updated_at":         time.Now(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// EnableMFA promotes the pending secret to the active one. step is the
// TOTP step of the confirming code, which cannot then be used to sign in.
func (s *Store) EnableMFA(ctx context.Context, id primitive.ObjectID, secret string, step int64) error {
	res, err := s.c.UpdateOne(ctx,
		bson.M{"_id": id, "mfa_pending_secret": secret},
		bson.M{
			"$set": bson.M{
				"mfa_enabled":   true,
				"mfa_secret":    secret,
				"mfa_last_step": step,
				"updated_at":    time.Now(),
			},
			"$unset": bson.M{"mfa_pending_secret": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrMFANotPending
	}
	return nil
}

// ClaimMFAStep records step as the last accepted TOTP step. It fails with
// ErrMFAStepUsed unless step is newer than the stored one, so each code
// signs in at most once.
func (s *Store) ClaimMFAStep(ctx context.Context, id primitive.ObjectID, step int64) error {
	res, err := s.c.UpdateOne(ctx,
		bson.M{"_id": id, "$or": bson.A{
			bson.M{"mfa_last_step": bson.M{"$exists": false}},
			bson.M{"mfa_last_step": bson.M{"$lt": step}},
		}},
		bson.M{"$set": bson.M{"mfa_last_step": step, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrMFAStepUsed
	}
	return nil
}

// CountActiveAdmins returns the number of users with role=admin and status=active.
func (s *Store) CountActiveAdmins(ctx context.Context) (int64, error) {
	return s.c.CountDocuments(ctx, bson.M{
		"role":   models.RoleAdmin,
		"status": models.StatusActive,
	})
}

// ExistsByLoginID checks if a user with the given login_id exists.
func (s *Store) ExistsByLoginID(ctx context.Context, loginID string) (bool, error) {
	count, err := s.c.CountDocuments(ctx, bson.M{
		"login_id_ci": text.Fold(normalize.LoginID(loginID)),
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListFilter narrows List and Count. Zero values match everything.
type ListFilter struct {
	Role   string
	Status string
	Search string // prefix of full name or login ID, folded
	Limit  int64
	Offset int64
}

func (f ListFilter) query() bson.M {
	q := bson.M{}
	if f.Role != "" {
		q["role"] = normalize.Role(f.Role)
	}
	if f.Status != "" {
		q["status"] = normalize.Status(f.Status)
	}
	if f.Search != "" {
		prefix := "^" + regexp.QuoteMeta(text.Fold(f.Search))
		q["$or"] = bson.A{
			bson.M{"full_name_ci": bson.M{"$regex": prefix}},
			bson.M{"login_id_ci": bson.M{"$regex": prefix}},
		}
	}
	return q
}

// List returns users matching f sorted by name.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "full_name_ci", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(f.Limit)
	}
	if f.Offset > 0 {
		opts.SetSkip(f.Offset)
	}
	return s.find(ctx, f.query(), opts)
}

// Count returns the number of users matching f, ignoring paging.
func (s *Store) Count(ctx context.Context, f ListFilter) (int64, error) {
	return s.c.CountDocuments(ctx, f.query())
}

func (s *Store) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]models.User, error) {
	cur, err := s.c.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var users []models.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

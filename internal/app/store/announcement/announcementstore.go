// internal/app/store/announcement/announcementstore.go
package announcement

import (
	"context"
	"errors"
	"time"

	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Type represents the announcement type.
type Type string

const (
	TypeInfo     Type = "info"
	TypeWarning  Type = "warning"
	TypeCritical Type = "critical"
)

var (
	// ErrNotFound is returned when no announcement matches.
	ErrNotFound = errors.New("announcement not found")
	// ErrInvalidWindow is returned when expires_at is not after publish_at.
	ErrInvalidWindow = errors.New("expires_at must be after publish_at")
)

// Announcement is a message shown to employees between PublishAt and
// ExpiresAt while Active. Pinned announcements sort first.
type Announcement struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Title     string             `bson:"title" json:"title"`
	Content   string             `bson:"content" json:"content"`
	Type      Type               `bson:"type" json:"type"`
	Pinned    bool               `bson:"pinned" json:"pinned"`
	Active    bool               `bson:"active" json:"active"`
	PublishAt time.Time          `bson:"publish_at" json:"publish_at"`
	ExpiresAt *time.Time         `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	ViewCount int64              `bson:"view_count" json:"view_count"`
	AuthorID  primitive.ObjectID `bson:"author_id" json:"author_id"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// Visible reports whether a is shown to employees at now.
func (a *Announcement) Visible(now time.Time) bool {
	return a.Active && !a.PublishAt.After(now) && (a.ExpiresAt == nil || a.ExpiresAt.After(now))
}

// ValidWindow checks that expiresAt, when set, is after publishAt.
func ValidWindow(publishAt time.Time, expiresAt *time.Time) error {
	if expiresAt != nil && !expiresAt.After(publishAt) {
		return ErrInvalidWindow
	}
	return nil
}

// View records that a user has seen an announcement. (AnnouncementID,
// UserID) is unique, so each user counts once.
type View struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	AnnouncementID primitive.ObjectID `bson:"announcement_id"`
	UserID         primitive.ObjectID `bson:"user_id"`
	ViewedAt       time.Time          `bson:"viewed_at"`
}

// Store provides access to the announcements and announcement_views collections.
type Store struct {
	c     *mongo.Collection
	views *mongo.Collection
}

// New creates a new announcement store.
func New(db *mongo.Database) *Store {
	return &Store{
		c:     db.Collection("announcements"),
		views: db.Collection("announcement_views"),
	}
}

// CreateInput contains the input for creating an announcement.
// A zero PublishAt publishes immediately.
type CreateInput struct {
	Title     string
	Content   string
	Type      Type
	Pinned    bool
	Active    bool
	PublishAt time.Time
	ExpiresAt *time.Time
	AuthorID  primitive.ObjectID
}

// Create creates a new announcement.
func (s *Store) Create(ctx context.Context, input CreateInput) (*Announcement, error) {
	now := time.Now().UTC()
	publishAt := input.PublishAt
	if publishAt.IsZero() {
		publishAt = now
	}
	if err := ValidWindow(publishAt, input.ExpiresAt); err != nil {
		return nil, err
	}
	ann := Announcement{
		ID:        primitive.NewObjectID(),
		Title:     input.Title,
		Content:   input.Content,
		Type:      input.Type,
		Pinned:    input.Pinned,
		Active:    input.Active,
		PublishAt: publishAt,
		ExpiresAt: input.ExpiresAt,
		AuthorID:  input.AuthorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.c.InsertOne(ctx, ann); err != nil {
		return nil, err
	}
	return &ann, nil
}

// GetByID retrieves an announcement by ID.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (*Announcement, error) {
	var ann Announcement
	if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&ann); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ann, nil
}

// UpdateInput contains the input for updating an announcement.
// ClearExpiry removes ExpiresAt.
type UpdateInput struct {
	Title       *string
	Content     *string
	Type        *Type
	Pinned      *bool
	Active      *bool
	PublishAt   *time.Time
	ExpiresAt   *time.Time
	ClearExpiry bool
}

// Update applies input and returns the updated announcement. The resulting
// publish/expiry window is validated before writing.
func (s *Store) Update(ctx context.Context, id primitive.ObjectID, input UpdateInput) (*Announcement, error) {
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	publishAt := cur.PublishAt
	if input.PublishAt != nil {
		publishAt = *input.PublishAt
	}
	expiresAt := cur.ExpiresAt
	if input.ExpiresAt != nil {
		expiresAt = input.ExpiresAt
	}
	if input.ClearExpiry {
		expiresAt = nil
	}
	if err := ValidWindow(publishAt, expiresAt); err != nil {
		return nil, err
	}

	set := bson.M{"updated_at": time.Now().UTC()}
	update := bson.M{"$set": set}

	if input.Title != nil {
		set["title"] = *input.Title
	}
	if input.Content != nil {
		set["content"] = *input.Content
	}
	if input.Type != nil {
		set["type"] = *input.Type
	}
	if input.Pinned != nil {
		set["pinned"] = *input.Pinned
	}
	if input.Active != nil {
		set["active"] = *input.Active
	}
	if input.PublishAt != nil {
		set["publish_at"] = *input.PublishAt
	}
	if input.ClearExpiry {
		update["$unset"] = bson.M{"expires_at": ""}
	} else if input.ExpiresAt != nil {
		set["expires_at"] = *input.ExpiresAt
	}

	var out Announcement
	err = s.c.FindOneAndUpdate(ctx, bson.M{"_id": id}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// SetActive publishes or unpublishes an announcement and returns it.
func (s *Store) SetActive(ctx context.Context, id primitive.ObjectID, active bool) (*Announcement, error) {
	var out Announcement
	err := s.c.FindOneAndUpdate(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"active": active, "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// Delete deletes an announcement and its views. ctx may be a transaction
// session context.
func (s *Store) Delete(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	_, err = s.views.DeleteMany(ctx, bson.M{"announcement_id": id})
	return err
}

// List returns announcements newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit, offset int64) ([]Announcement, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	if offset > 0 {
		opts.SetSkip(offset)
	}
	return s.find(ctx, bson.M{}, opts)
}

// Count returns the total number of announcements.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.c.CountDocuments(ctx, bson.M{})
}

// ListVisible returns announcements employees can see at now: active,
// published and not expired. Pinned come first, then newest.
func (s *Store) ListVisible(ctx context.Context, now time.Time) ([]Announcement, error) {
	filter := bson.M{
		"active":     true,
		"publish_at": bson.M{"$lte": now},
		"$or": []bson.M{
			{"expires_at": nil},
			{"expires_at": bson.M{"$gt": now}},
		},
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "pinned", Value: -1},
		{Key: "publish_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	return s.find(ctx, filter, opts)
}

func (s *Store) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]Announcement, error) {
	cursor, err := s.c.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var announcements []Announcement
	if err := cursor.All(ctx, &announcements); err != nil {
		return nil, err
	}
	return announcements, nil
}

// RecordView registers userID's view of id. The counter is incremented
// only on the first view; later calls return counted=false and the
// current count.
func (s *Store) RecordView(ctx context.Context, id, userID primitive.ObjectID) (counted bool, viewCount int64, err error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return false, 0, err
	}

	view := View{
		ID:             primitive.NewObjectID(),
		AnnouncementID: id,
		UserID:         userID,
		ViewedAt:       time.Now().UTC(),
	}
	if _, err := s.views.InsertOne(ctx, view); err != nil {
		if !wafflemongo.IsDup(err) {
			return false, 0, err
		}
		ann, err := s.GetByID(ctx, id)
		if err != nil {
			return false, 0, err
		}
		return false, ann.ViewCount, nil
	}

	var out Announcement
	err = s.c.FindOneAndUpdate(ctx, bson.M{"_id": id},
		bson.M{"$inc": bson.M{"view_count": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err != nil {
		// Undo the view so a retry can count it.
		_, _ = s.views.DeleteOne(ctx, bson.M{"_id": view.ID})
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, 0, ErrNotFound
		}
		return false, 0, err
	}
	return true, out.ViewCount, nil
}

// ViewedBy returns which of ids userID has viewed.
func (s *Store) ViewedBy(ctx context.Context, userID primitive.ObjectID, ids []primitive.ObjectID) (map[primitive.ObjectID]bool, error) {
	seen := make(map[primitive.ObjectID]bool, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}
	cur, err := s.views.Find(ctx,
		bson.M{"user_id": userID, "announcement_id": bson.M{"$in": ids}},
		options.Find().SetProjection(bson.M{"announcement_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var views []View
	if err := cur.All(ctx, &views); err != nil {
		return nil, err
	}
	for _, v := range views {
		seen[v.AnnouncementID] = true
	}
	return seen, nil
}

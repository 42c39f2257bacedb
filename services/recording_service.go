package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"voicenotes/models"
)

// RecordingStore is the persistence boundary for voice notes. The mongo
// implementation below is the production one; tests swap in a fake.
type RecordingStore interface {
	Create(ctx context.Context, rec *models.Recording) error
	Get(ctx context.Context, id string) (*models.Recording, error)
	Update(ctx context.Context, rec *models.Recording) error
	Delete(ctx context.Context, id, userID string) error
	ListByUser(ctx context.Context, userID string) ([]models.Recording, error)
	Search(ctx context.Context, userID, query string) ([]models.Recording, error)
}

type RecordingService struct {
	col *mongo.Collection
}

func NewRecordingService(db *mongo.Database) *RecordingService {
	return &RecordingService{col: db.Collection("recordings")}
}

func (s *RecordingService) Create(ctx context.Context, rec *models.Recording) error {
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Tags == nil {
		rec.Tags = []string{}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.col.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert recording: %v", err)
	}
	return nil
}

func (s *RecordingService) Get(ctx context.Context, id string) (*models.Recording, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrRecordingNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec models.Recording
	if err := s.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&rec); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrRecordingNotFound
		}
		return nil, fmt.Errorf("failed to get recording: %v", err)
	}
	return &rec, nil
}

func (s *RecordingService) Update(ctx context.Context, rec *models.Recording) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.col.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec)
	if err != nil {
		return fmt.Errorf("failed to update recording: %v", err)
	}
	if res.MatchedCount == 0 {
		return ErrRecordingNotFound
	}
	return nil
}

func (s *RecordingService) Delete(ctx context.Context, id, userID string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRecordingNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.col.DeleteOne(ctx, bson.M{"_id": oid, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete recording: %v", err)
	}
	if res.DeletedCount == 0 {
		return ErrRecordingNotFound
	}
	return nil
}

func (s *RecordingService) ListByUser(ctx context.Context, userID string) ([]models.Recording, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %v", err)
	}
	defer cursor.Close(ctx)

	var recs []models.Recording
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode recordings: %v", err)
	}
	return recs, nil
}

func (s *RecordingService) Search(ctx context.Context, userID, query string) ([]models.Recording, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"user_id": userID,
		"$text":   bson.M{"$search": query},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search recordings: %v", err)
	}
	defer cursor.Close(ctx)

	var recs []models.Recording
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode recordings: %v", err)
	}
	return recs, nil
}

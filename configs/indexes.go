package configs

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SetupIndexes creates the indexes the recording store queries rely on.
func SetupIndexes(db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	collection := db.Collection("recordings")

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_user_created_at"),
		},
		{
			Keys:    bson.D{{Key: "processed", Value: 1}},
			Options: options.Index().SetName("idx_processed"),
		},
		{
			Keys: bson.D{
				{Key: "title", Value: "text"},
				{Key: "transcript", Value: "text"},
			},
			Options: options.Index().SetName("idx_text_search"),
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return err
	}

	log.Println("MongoDB indexes created successfully")
	return nil
}

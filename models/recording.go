package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Recording is the persisted voice note. The processing queue fills in
// transcript, summary and tags once the pipeline completes.
type Recording struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Title      string             `bson:"title" json:"title"`
	FileName   string             `bson:"file_name" json:"fileName"`
	FilePath   string             `bson:"file_path" json:"filePath"`
	FileSize   int64              `bson:"file_size" json:"fileSize"`
	Duration   float64            `bson:"duration" json:"duration"`
	MimeType   string             `bson:"mime_type" json:"mimeType"`
	Transcript string             `bson:"transcript" json:"transcript"`
	Summary    string             `bson:"summary" json:"summary"`
	Tags       []string           `bson:"tags" json:"tags"`
	Processed  bool               `bson:"processed" json:"processed"`
	UserID     string             `bson:"user_id" json:"userId"`
	CreatedAt  time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time          `bson:"updated_at" json:"updatedAt"`
}

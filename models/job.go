package models

import "time"

type JobStage string

const (
	StageWaiting      JobStage = "waiting"
	StageUploading    JobStage = "uploading"
	StageTranscribing JobStage = "transcribing"
	StageProcessing   JobStage = "processing"
	StageCompleted    JobStage = "completed"
	StageFailed       JobStage = "failed"
)

// Terminal reports whether a job in this stage will never advance again.
func (s JobStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Job is a point-in-time snapshot of one processing pipeline unit.
// Progress never decreases while the job is alive; on failure it stays
// frozen at the last successfully reached value.
type Job struct {
	ID          string    `json:"id"`
	RecordingID string    `json:"recordingId"`
	Stage       JobStage  `json:"stage"`
	Progress    int       `json:"progress"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

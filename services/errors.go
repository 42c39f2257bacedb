package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMimeType    = errors.New("unsupported audio type")
	ErrFileTooLarge       = errors.New("file too large")
	ErrJobNotFound        = errors.New("job not found")
	ErrRecordingNotFound  = errors.New("recording not found")
	ErrTranscriptTooShort = errors.New("transcript too short to process")
)

// MissingChunkError is a reassembly integrity failure: finalize found a
// hole in the chunk sequence and refused to concatenate.
type MissingChunkError struct {
	UploadID string
	Index    int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("upload %s is missing chunk %d", e.UploadID, e.Index)
}

// EngineError wraps a downstream engine failure. Timeout distinguishes a
// slow engine from an unreachable one so callers can answer 504 vs 503.
type EngineError struct {
	Engine  string
	Timeout bool
	Err     error
}

func (e *EngineError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s engine timed out: %v", e.Engine, e.Err)
	}
	return fmt.Sprintf("%s engine unavailable: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

package services

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicenotes/models"
)

// JobRequest is the payload submitted to the processing pipeline: the
// assembled audio plus the Recording it belongs to.
type JobRequest struct {
	RecordingID string
	Audio       []byte
	FileName    string
	MimeType    string
	UserID      string
}

type queuedJob struct {
	snapshot models.Job
	req      JobRequest
}

var stageProgress = map[models.JobStage]int{
	models.StageWaiting:      0,
	models.StageUploading:    10,
	models.StageTranscribing: 30,
	models.StageProcessing:   70,
	models.StageCompleted:    100,
}

// Queue is the in-process staged job runner: jobs are processed in strict
// arrival order by a single worker, one at a time, which bounds resource
// usage on constrained local-model backends. Job records are retained
// after completion so clients can poll the terminal state; eviction is
// the caller's policy.
type Queue struct {
	transcriber Transcriber
	processor   TextProcessor
	store       RecordingStore
	uploadDir   string

	mu      sync.Mutex
	jobs    map[string]*queuedJob
	waiting []string

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func NewQueue(transcriber Transcriber, processor TextProcessor, store RecordingStore, uploadDir string) *Queue {
	return &Queue{
		transcriber: transcriber,
		processor:   processor,
		store:       store,
		uploadDir:   uploadDir,
		jobs:        make(map[string]*queuedJob),
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the single worker goroutine.
func (q *Queue) Start() {
	go q.loop()
}

// Stop waits for the in-flight job to finish, then stops the worker.
func (q *Queue) Stop() {
	close(q.quit)
	<-q.done
}

// Enqueue appends a job to the waiting list and wakes the worker.
func (q *Queue) Enqueue(req JobRequest) string {
	id := uuid.NewString()
	job := &queuedJob{
		snapshot: models.Job{
			ID:          id,
			RecordingID: req.RecordingID,
			Stage:       models.StageWaiting,
			CreatedAt:   time.Now(),
		},
		req: req,
	}

	q.mu.Lock()
	q.jobs[id] = job
	q.waiting = append(q.waiting, id)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	log.Printf("[Queue] Job %s enqueued for recording %s", id, req.RecordingID)
	return id
}

// Job returns a point-in-time snapshot of a job.
func (q *Queue) Job(id string) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return job.snapshot, nil
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
			for {
				id, ok := q.popWaiting()
				if !ok {
					break
				}
				q.process(id)

				select {
				case <-q.quit:
					return
				default:
				}
			}
		}
	}
}

func (q *Queue) popWaiting() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return "", false
	}
	id := q.waiting[0]
	q.waiting = q.waiting[1:]
	return id, true
}

// process runs one job through the fixed stage sequence. Any stage error
// freezes the job at its last progress value with stage=failed; the
// recording store is never written for a failed job.
func (q *Queue) process(id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	req := job.req
	q.mu.Unlock()

	ctx := context.Background()

	q.advance(id, models.StageUploading)
	if err := os.MkdirAll(q.uploadDir, 0o755); err != nil {
		q.fail(id, fmt.Errorf("failed to persist audio: %v", err))
		return
	}
	path := filepath.Join(q.uploadDir, fmt.Sprintf("%s_%s", req.RecordingID, sanitizeFileName(req.FileName)))
	if err := os.WriteFile(path, req.Audio, 0o644); err != nil {
		q.fail(id, fmt.Errorf("failed to persist audio: %v", err))
		return
	}

	q.advance(id, models.StageTranscribing)
	transcription, err := q.transcriber.Transcribe(ctx, bytes.NewReader(req.Audio), req.FileName, req.MimeType)
	if err != nil {
		q.fail(id, err)
		return
	}

	q.advance(id, models.StageProcessing)
	processed, err := q.processor.Process(ctx, transcription.Transcript)
	if err != nil {
		q.fail(id, err)
		return
	}

	rec, err := q.store.Get(ctx, req.RecordingID)
	if err != nil {
		q.fail(id, fmt.Errorf("failed to load recording %s: %v", req.RecordingID, err))
		return
	}
	rec.Title = processed.Title
	rec.FilePath = path
	rec.FileSize = int64(len(req.Audio))
	rec.Duration = transcription.Duration
	rec.Transcript = processed.CleanedText
	rec.Summary = processed.Summary
	rec.Tags = processed.Tags
	rec.Processed = true
	rec.UpdatedAt = time.Now()
	if err := q.store.Update(ctx, rec); err != nil {
		q.fail(id, fmt.Errorf("failed to save recording %s: %v", req.RecordingID, err))
		return
	}

	q.advance(id, models.StageCompleted)
	log.Printf("[Queue] Job %s completed for recording %s", id, req.RecordingID)
}

// advance applies a validated stage transition. Progress only moves up.
func (q *Queue) advance(id string, stage models.JobStage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	if !validTransition(job.snapshot.Stage, stage) {
		log.Printf("[Queue] Job %s invalid transition %s -> %s", id, job.snapshot.Stage, stage)
		return
	}
	job.snapshot.Stage = stage
	if p := stageProgress[stage]; p > job.snapshot.Progress {
		job.snapshot.Progress = p
	}
}

// fail marks a job failed from any non-terminal stage. Progress stays at
// the last successfully reached value.
func (q *Queue) fail(id string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	if job.snapshot.Stage.Terminal() {
		return
	}
	stage := job.snapshot.Stage
	job.snapshot.Stage = models.StageFailed
	job.snapshot.Error = err.Error()
	log.Printf("[Queue] Job %s failed during %s: %v", id, stage, err)
}

// validTransition enforces the monotonic stage machine: waiting ->
// uploading -> transcribing -> processing -> completed, with failed
// reachable from any non-terminal stage.
func validTransition(from, to models.JobStage) bool {
	if to == models.StageFailed {
		return !from.Terminal()
	}
	switch from {
	case models.StageWaiting:
		return to == models.StageUploading
	case models.StageUploading:
		return to == models.StageTranscribing
	case models.StageTranscribing:
		return to == models.StageProcessing
	case models.StageProcessing:
		return to == models.StageCompleted
	default:
		return false
	}
}

func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." {
		return "audio"
	}
	return name
}

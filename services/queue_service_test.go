package services

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"voicenotes/models"
)

type stubProcessor struct {
	result *ProcessedText
	err    error
}

func (s *stubProcessor) Process(ctx context.Context, transcript string) (*ProcessedText, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &ProcessedText{
		Title:       "Grocery run",
		CleanedText: transcript,
		Summary:     "a summary",
		Tags:        []string{"errands"},
	}, nil
}

// memStore is an in-memory RecordingStore for pipeline tests.
type memStore struct {
	mu      sync.Mutex
	recs    map[string]*models.Recording
	updates int
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*models.Recording)}
}

func (s *memStore) Create(ctx context.Context, rec *models.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	cp := *rec
	s.recs[rec.ID.Hex()] = &cp
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrRecordingNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) Update(ctx context.Context, rec *models.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID.Hex()]; !ok {
		return ErrRecordingNotFound
	}
	cp := *rec
	s.recs[rec.ID.Hex()] = &cp
	s.updates++
	return nil
}

func (s *memStore) Delete(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.UserID != userID {
		return ErrRecordingNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *memStore) ListByUser(ctx context.Context, userID string) ([]models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Recording
	for _, rec := range s.recs {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *memStore) Search(ctx context.Context, userID, query string) ([]models.Recording, error) {
	return s.ListByUser(ctx, userID)
}

func (s *memStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func seedRecording(t *testing.T, store *memStore, userID string) string {
	t.Helper()
	rec := &models.Recording{Title: "note.mp3", FileName: "note.mp3", MimeType: "audio/mpeg", UserID: userID}
	require.NoError(t, store.Create(context.Background(), rec))
	return rec.ID.Hex()
}

func startQueue(t *testing.T, transcriber Transcriber, processor TextProcessor, store RecordingStore) (*Queue, string) {
	t.Helper()
	dir := t.TempDir()
	q := NewQueue(transcriber, processor, store, dir)
	q.Start()
	t.Cleanup(q.Stop)
	return q, dir
}

func waitForTerminal(t *testing.T, q *Queue, id string) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		j, err := q.Job(id)
		if err != nil {
			return false
		}
		job = j
		return job.Stage.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestQueueProcessesJobToCompletion(t *testing.T) {
	store := newMemStore()
	recID := seedRecording(t, store, "user-1")
	q, dir := startQueue(t, &stubTranscriber{}, &stubProcessor{}, store)

	jobID := q.Enqueue(JobRequest{
		RecordingID: recID,
		Audio:       []byte("fake audio bytes"),
		FileName:    "note.mp3",
		MimeType:    "audio/mpeg",
		UserID:      "user-1",
	})

	job := waitForTerminal(t, q, jobID)
	require.Equal(t, models.StageCompleted, job.Stage)
	require.Equal(t, 100, job.Progress)
	require.Empty(t, job.Error)

	rec, err := store.Get(context.Background(), recID)
	require.NoError(t, err)
	require.True(t, rec.Processed)
	require.Equal(t, "Grocery run", rec.Title)
	require.Equal(t, "a summary", rec.Summary)
	require.Equal(t, []string{"errands"}, rec.Tags)
	require.NotEmpty(t, rec.Transcript)
	require.Equal(t, 1.5, rec.Duration)

	// The assembled audio was persisted under the upload dir.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Equal(t, []byte("fake audio bytes"), data)
}

func TestQueueTranscriptionFailure(t *testing.T) {
	store := newMemStore()
	recID := seedRecording(t, store, "user-1")
	engine := &stubTranscriber{err: &EngineError{Engine: "transcription", Err: errors.New("whisper is down")}}
	q, _ := startQueue(t, engine, &stubProcessor{}, store)

	jobID := q.Enqueue(JobRequest{RecordingID: recID, Audio: []byte("x"), FileName: "note.mp3", MimeType: "audio/mpeg"})

	job := waitForTerminal(t, q, jobID)
	require.Equal(t, models.StageFailed, job.Stage)
	require.Equal(t, 30, job.Progress, "progress freezes at the transcribing value")
	require.Contains(t, job.Error, "transcription engine")

	require.Zero(t, store.updateCount(), "recording store must never be written for a failed job")
}

func TestQueueProcessorFailure(t *testing.T) {
	store := newMemStore()
	recID := seedRecording(t, store, "user-1")
	processor := &stubProcessor{err: &EngineError{Engine: "text-processing", Err: errors.New("model overloaded")}}
	q, _ := startQueue(t, &stubTranscriber{}, processor, store)

	jobID := q.Enqueue(JobRequest{RecordingID: recID, Audio: []byte("x"), FileName: "note.mp3", MimeType: "audio/mpeg"})

	job := waitForTerminal(t, q, jobID)
	require.Equal(t, models.StageFailed, job.Stage)
	require.Equal(t, 70, job.Progress)
	require.Contains(t, job.Error, "text-processing engine")
	require.Zero(t, store.updateCount())
}

// orderedTranscriber records the order jobs reach the transcribing stage.
type orderedTranscriber struct {
	mu    sync.Mutex
	order []string
}

func (o *orderedTranscriber) Transcribe(ctx context.Context, audio io.Reader, fileName, mimeType string) (*TranscriptionResult, error) {
	o.mu.Lock()
	o.order = append(o.order, fileName)
	o.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return &TranscriptionResult{Transcript: "some words here ok", Language: "en"}, nil
}

func TestQueueProcessesInArrivalOrder(t *testing.T) {
	store := newMemStore()
	engine := &orderedTranscriber{}
	q, _ := startQueue(t, engine, &stubProcessor{}, store)

	var jobIDs []string
	names := []string{"first.mp3", "second.mp3", "third.mp3"}
	for _, name := range names {
		recID := seedRecording(t, store, "user-1")
		jobIDs = append(jobIDs, q.Enqueue(JobRequest{RecordingID: recID, Audio: []byte("x"), FileName: name, MimeType: "audio/mpeg"}))
	}

	for _, id := range jobIDs {
		job := waitForTerminal(t, q, id)
		require.Equal(t, models.StageCompleted, job.Stage)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Equal(t, names, engine.order)
}

func TestQueueJobNotFound(t *testing.T) {
	store := newMemStore()
	q, _ := startQueue(t, &stubTranscriber{}, &stubProcessor{}, store)

	_, err := q.Job("no-such-job")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueueJobRetainedAfterCompletion(t *testing.T) {
	store := newMemStore()
	recID := seedRecording(t, store, "user-1")
	q, _ := startQueue(t, &stubTranscriber{}, &stubProcessor{}, store)

	jobID := q.Enqueue(JobRequest{RecordingID: recID, Audio: []byte("x"), FileName: "note.mp3", MimeType: "audio/mpeg"})
	waitForTerminal(t, q, jobID)

	// Still queryable well after the terminal state was reached.
	job, err := q.Job(jobID)
	require.NoError(t, err)
	require.Equal(t, models.StageCompleted, job.Stage)
	require.Equal(t, recID, job.RecordingID)
}

func TestValidTransition(t *testing.T) {
	require.True(t, validTransition(models.StageWaiting, models.StageUploading))
	require.True(t, validTransition(models.StageUploading, models.StageTranscribing))
	require.True(t, validTransition(models.StageTranscribing, models.StageProcessing))
	require.True(t, validTransition(models.StageProcessing, models.StageCompleted))

	require.True(t, validTransition(models.StageWaiting, models.StageFailed))
	require.True(t, validTransition(models.StageProcessing, models.StageFailed))

	require.False(t, validTransition(models.StageCompleted, models.StageFailed))
	require.False(t, validTransition(models.StageFailed, models.StageUploading))
	require.False(t, validTransition(models.StageWaiting, models.StageTranscribing))
	require.False(t, validTransition(models.StageTranscribing, models.StageUploading))
}

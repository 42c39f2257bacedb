package controllers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"voicenotes/models"
	"voicenotes/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubTranscriber struct {
	result *services.TranscriptionResult
	err    error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio io.Reader, fileName, mimeType string) (*services.TranscriptionResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	data, _ := io.ReadAll(audio)
	return &services.TranscriptionResult{
		Transcript: fmt.Sprintf("transcript of %d bytes", len(data)),
		Duration:   1.2,
		Language:   "en",
		WordCount:  4,
	}, nil
}

type stubProcessor struct{}

func (stubProcessor) Process(ctx context.Context, transcript string) (*services.ProcessedText, error) {
	return &services.ProcessedText{
		Title:       "Meeting notes",
		CleanedText: transcript,
		Summary:     "short summary",
		Tags:        []string{"work"},
	}, nil
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]*models.Recording
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
		return nil, services.ErrRecordingNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) Update(ctx context.Context, rec *models.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID.Hex()]; !ok {
		return services.ErrRecordingNotFound
	}
	cp := *rec
	s.recs[rec.ID.Hex()] = &cp
	return nil
}

func (s *memStore) Delete(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.UserID != userID {
		return services.ErrRecordingNotFound
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

type testEnv struct {
	router *gin.Engine
	store  *memStore
	queue  *services.Queue
}

func newTestEnv(t *testing.T, transcriber services.Transcriber, uploadRate float64, uploadBurst int) *testEnv {
	t.Helper()

	store := newMemStore()
	reassembly := services.NewReassemblyService(t.TempDir(), transcriber)
	queue := services.NewQueue(transcriber, stubProcessor{}, store, t.TempDir())
	queue.Start()
	t.Cleanup(queue.Stop)

	router := gin.New()
	NewUploadController(reassembly, queue, store, transcriber, uploadRate, uploadBurst).RegisterRoutes(router)
	NewRecordingController(store).RegisterRoutes(router)

	return &testEnv{router: router, store: store, queue: queue}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func chunkRequest(t *testing.T, uploadID string, index, total int, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("uploadId", uploadID))
	require.NoError(t, mw.WriteField("chunkIndex", fmt.Sprint(index)))
	require.NoError(t, mw.WriteField("totalChunks", fmt.Sprint(total)))
	part, err := mw.CreateFormFile("chunk", fmt.Sprintf("blob-%d", index))
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/audio/upload-chunk", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func audioRequest(t *testing.T, fileName, mimeType string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, fileName))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

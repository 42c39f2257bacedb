package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// TranscriptionResult is what the speech-to-text engine produced for one
// audio file. Language falls back to "en" when the engine omits it.
type TranscriptionResult struct {
	Transcript string  `json:"transcript"`
	Duration   float64 `json:"duration"`
	Language   string  `json:"language"`
	WordCount  int     `json:"wordCount"`
}

// ProcessedText is the language-model cleanup of a raw transcript.
type ProcessedText struct {
	Title       string   `json:"title"`
	CleanedText string   `json:"cleanedText"`
	Summary     string   `json:"summary"`
	Tags        []string `json:"tags"`
}

// Transcriber is the speech-to-text engine, consumed opaquely.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, fileName, mimeType string) (*TranscriptionResult, error)
}

// TextProcessor is the language-model service that cleans and summarizes
// a transcript.
type TextProcessor interface {
	Process(ctx context.Context, transcript string) (*ProcessedText, error)
}

func newEngineHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// TranscriptionClient talks to a whisper-style HTTP service, remote or
// local; the caller picks the destination through baseURL and timeout.
type TranscriptionClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

func NewTranscriptionClient(baseURL string, timeout time.Duration) *TranscriptionClient {
	return &TranscriptionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  newEngineHTTPClient(),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

func (c *TranscriptionClient) Transcribe(ctx context.Context, audio io.Reader, fileName, mimeType string) (*TranscriptionResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %v", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, fmt.Errorf("failed to buffer audio: %v", err)
	}
	_ = w.WriteField("mimeType", mimeType)
	if err := w.Close(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &EngineError{Engine: "transcription", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &EngineError{Engine: "transcription", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var out struct {
		Success    bool    `json:"success"`
		Transcript string  `json:"transcript"`
		Duration   float64 `json:"duration"`
		Language   string  `json:"language"`
		Error      string  `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EngineError{Engine: "transcription", Err: fmt.Errorf("invalid response: %v", err)}
	}
	if !out.Success && out.Error != "" {
		return nil, &EngineError{Engine: "transcription", Err: errors.New(out.Error)}
	}

	result := &TranscriptionResult{
		Transcript: out.Transcript,
		Duration:   out.Duration,
		Language:   out.Language,
	}
	if result.Language == "" {
		result.Language = "en"
	}
	result.WordCount = len(strings.Fields(result.Transcript))
	return result, nil
}

// TextProcessorClient posts a transcript to the language-model service
// and expects title/cleanedText/summary/tags back.
type TextProcessorClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewTextProcessorClient(baseURL string, timeout time.Duration) *TextProcessorClient {
	return &TextProcessorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  newEngineHTTPClient(),
	}
}

func (c *TextProcessorClient) Process(ctx context.Context, transcript string) (*ProcessedText, error) {
	if len(strings.TrimSpace(transcript)) < 10 {
		return nil, ErrTranscriptTooShort
	}

	body, err := json.Marshal(map[string]string{"transcript": transcript})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &EngineError{Engine: "text-processing", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &EngineError{Engine: "text-processing", Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	var out ProcessedText
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EngineError{Engine: "text-processing", Err: fmt.Errorf("invalid response: %v", err)}
	}

	// The model occasionally returns partial output; fall back to the raw
	// transcript rather than losing the note.
	if out.CleanedText == "" {
		out.CleanedText = transcript
	}
	if out.Title == "" {
		out.Title = "Voice Note"
	}
	return &out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

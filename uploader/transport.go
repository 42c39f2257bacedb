package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"
)

const (
	DefaultMaxRetries = 3

	defaultChunkTimeout    = 30 * time.Second
	defaultFinalizeTimeout = 90 * time.Second
)

// TransportError is the terminal failure of one chunk after its retry
// budget is exhausted. A missing chunk makes reassembly impossible, so the
// coordinator treats this as fatal for the whole session.
type TransportError struct {
	ChunkIndex int
	Retries    int
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d retries: %v", e.ChunkIndex, e.Retries, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrTimeout marks a transport call that ran out of its deadline, as
// opposed to a network failure. Check with errors.Is.
var ErrTimeout = errors.New("request timed out")

// SendRejectedError is a 4xx answer to a chunk send. The server will
// reject the same request on every retry, so the sender fails fast.
type SendRejectedError struct {
	StatusCode int
	Body       string
}

func (e *SendRejectedError) Error() string {
	return fmt.Sprintf("chunk rejected with status %d: %s", e.StatusCode, e.Body)
}

type SendRequest struct {
	UploadID    string
	ChunkIndex  int
	TotalChunks int
	FileName    string
	Data        []byte
}

type FinalizeRequest struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	MimeType    string `json:"mimeType"`
}

type FinalizeResponse struct {
	RecordingID string `json:"recordingId"`
	JobID       string `json:"jobId"`
}

// DirectResult is the synchronous transcription response for files small
// enough to skip chunking.
type DirectResult struct {
	Transcript string  `json:"transcript"`
	Duration   float64 `json:"duration"`
	Language   string  `json:"language"`
	WordCount  int     `json:"wordCount"`
}

// Transport carries chunks and finalize calls to one destination. The
// remote API and the local offline service are the same interface with
// different URLs and timeouts.
type Transport interface {
	Send(ctx context.Context, req SendRequest) error
	Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResponse, error)
	SendDirect(ctx context.Context, body io.Reader, fileName, mimeType string) (*DirectResult, error)
}

// TransportConfig names one upload destination. Chunk sends are short
// calls; finalize includes downstream inference and gets a longer budget.
type TransportConfig struct {
	ChunkURL        string
	FinalizeURL     string
	DirectURL       string
	ChunkTimeout    time.Duration
	FinalizeTimeout time.Duration
}

type HTTPTransport struct {
	cfg    TransportConfig
	client *http.Client
}

func NewHTTPTransport(cfg TransportConfig) *HTTPTransport {
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = defaultChunkTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	return &HTTPTransport{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("chunk", fmt.Sprintf("chunk_%d", req.ChunkIndex))
	if err != nil {
		return err
	}
	if _, err := part.Write(req.Data); err != nil {
		return err
	}
	_ = w.WriteField("chunkIndex", strconv.Itoa(req.ChunkIndex))
	_ = w.WriteField("uploadId", req.UploadID)
	_ = w.WriteField("totalChunks", strconv.Itoa(req.TotalChunks))
	_ = w.WriteField("fileName", req.FileName)
	if err := w.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ChunkTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.ChunkURL, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return requestError("chunk upload", err)
	}
	defer resp.Body.Close()

	// 429 is the server shedding load, not a verdict on the request.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &SendRejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chunk upload failed with status %d: %s", resp.StatusCode, body)
	}

	var ack struct {
		Success    bool `json:"success"`
		ChunkIndex int  `json:"chunkIndex"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("invalid chunk acknowledgement: %v", err)
	}
	if !ack.Success || ack.ChunkIndex != req.ChunkIndex {
		return fmt.Errorf("chunk acknowledgement mismatch: sent %d, acked %d", req.ChunkIndex, ack.ChunkIndex)
	}
	return nil
}

func (t *HTTPTransport) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.FinalizeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.FinalizeURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, requestError("finalize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("finalize failed with status %d: %s", resp.StatusCode, msg)
	}

	var out FinalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid finalize response: %v", err)
	}
	return &out, nil
}

func (t *HTTPTransport) SendDirect(ctx context.Context, body io.Reader, fileName, mimeType string) (*DirectResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	// CreateFormFile would stamp the part application/octet-stream; the
	// server validates the part's Content-Type against its allow-list.
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, fileName))
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, body); err != nil {
		return nil, err
	}
	_ = w.WriteField("mimeType", mimeType)
	if err := w.Close(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.FinalizeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.DirectURL, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, requestError("direct upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("direct upload failed with status %d: %s", resp.StatusCode, msg)
	}

	var out DirectResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid direct upload response: %v", err)
	}
	return &out, nil
}

// sender wraps a Transport with the per-chunk retry budget. Backoff is
// 2^retries seconds; sleep is injectable so tests run without real delays.
type sender struct {
	transport  Transport
	maxRetries int
	sleep      func(time.Duration)
}

func (s *sender) send(ctx context.Context, req SendRequest, chunk *Chunk) error {
	var lastErr error
	for {
		err := s.transport.Send(ctx, req)
		if err == nil {
			chunk.Uploaded = true
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		chunk.Retries++
		if chunk.Retries >= s.maxRetries {
			return &TransportError{ChunkIndex: chunk.Index, Retries: chunk.Retries, Err: lastErr}
		}
		s.sleep(time.Duration(math.Pow(2, float64(chunk.Retries))) * time.Second)
	}
}

// retryable reports whether a failed send may succeed on a repeat. A 4xx
// rejection is deterministic and is surfaced after a single attempt.
func retryable(err error) bool {
	var rejected *SendRejectedError
	return !errors.As(err, &rejected)
}

// requestError keeps deadline expiry distinguishable from network
// failure: timeouts match ErrTimeout via errors.Is.
func requestError(op string, err error) error {
	if isTimeoutErr(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s failed: %v", op, err)
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

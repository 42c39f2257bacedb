package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultConcurrency = 3

// Chunk uploads fill 0..90 of the reported progress; the finalize step
// closes the remaining headroom so the bar never jumps backwards.
const chunkProgressCeiling = 90

var ErrSessionNotFound = errors.New("upload session not found")

// FileInfo describes the file being uploaded.
type FileInfo struct {
	Name     string
	Size     int64
	MimeType string
}

// Options tunes one upload. Zero values fall back to the defaults.
type Options struct {
	ChunkSize   int64
	MaxRetries  int
	Concurrency int
	OnProgress  func(percent int)
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
}

// Session is the bookkeeping record for one chunked upload attempt.
// Failed is terminal and implies at least one chunk exhausted its retries
// or finalize was rejected.
type Session struct {
	UploadID        string
	TotalChunks     int
	Chunks          []Chunk
	CompletedChunks int
	Failed          bool
	Error           string
}

type Result struct {
	UploadID    string
	RecordingID string
	JobID       string
}

// Coordinator owns the live session table and drives chunk transport with
// bounded concurrency: batch N+1 never starts before every chunk of batch
// N has settled, which keeps memory bounded to concurrency x chunkSize.
type Coordinator struct {
	transport Transport

	mu       sync.Mutex
	sessions map[string]*Session

	sleep func(time.Duration)
}

func NewCoordinator(transport Transport) *Coordinator {
	return &Coordinator{
		transport: transport,
		sessions:  make(map[string]*Session),
		sleep:     time.Sleep,
	}
}

// Upload splits src, drives all chunks through the transport and
// finalizes. Either every chunk lands and finalize succeeds, or the whole
// session is failed; no partial success is exposed. Already-uploaded
// chunks are not cleaned up here, the server's temp sweep owns that.
func (c *Coordinator) Upload(ctx context.Context, src io.ReaderAt, info FileInfo, opts Options) (*Result, error) {
	opts.applyDefaults()

	chunks, err := Split(info.Size, opts.ChunkSize)
	if err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	sess := &Session{
		UploadID:    uploadID,
		TotalChunks: len(chunks),
		Chunks:      chunks,
	}
	c.mu.Lock()
	c.sessions[uploadID] = sess
	c.mu.Unlock()

	snd := &sender{transport: c.transport, maxRetries: opts.MaxRetries, sleep: c.sleep}
	total := len(chunks)

	for start := 0; start < total; start += opts.Concurrency {
		end := start + opts.Concurrency
		if end > total {
			end = total
		}

		type batchResult struct {
			chunk Chunk
			err   error
		}
		results := make([]batchResult, end-start)

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(slot int, chunk Chunk) {
				defer wg.Done()
				data := make([]byte, chunk.Length)
				if _, err := src.ReadAt(data, chunk.Offset); err != nil {
					results[slot] = batchResult{chunk: chunk, err: fmt.Errorf("read chunk %d: %v", chunk.Index, err)}
					return
				}
				err := snd.send(ctx, SendRequest{
					UploadID:    uploadID,
					ChunkIndex:  chunk.Index,
					TotalChunks: total,
					FileName:    info.Name,
					Data:        data,
				}, &chunk)
				results[slot] = batchResult{chunk: chunk, err: err}
			}(i-start, chunks[i])
		}
		wg.Wait()

		c.mu.Lock()
		var batchErr error
		for _, res := range results {
			sess.Chunks[res.chunk.Index] = res.chunk
			if res.err != nil && batchErr == nil {
				batchErr = res.err
			}
		}
		completed := 0
		for _, ch := range sess.Chunks {
			if ch.Uploaded {
				completed++
			}
		}
		sess.CompletedChunks = completed
		if batchErr != nil {
			sess.Failed = true
			sess.Error = batchErr.Error()
		}
		c.mu.Unlock()

		if batchErr != nil {
			log.Printf("[Upload] Session %s aborted: %v", uploadID, batchErr)
			return nil, batchErr
		}
		if opts.OnProgress != nil {
			opts.OnProgress(completedProgress(completed, total))
		}
	}

	fin, err := c.transport.Finalize(ctx, FinalizeRequest{
		UploadID:    uploadID,
		TotalChunks: total,
		FileName:    info.Name,
		FileSize:    info.Size,
		MimeType:    info.MimeType,
	})
	if err != nil {
		c.mu.Lock()
		sess.Failed = true
		sess.Error = err.Error()
		c.mu.Unlock()
		log.Printf("[Upload] Session %s finalize failed: %v", uploadID, err)
		return nil, fmt.Errorf("finalize upload %s: %v", uploadID, err)
	}

	if opts.OnProgress != nil {
		opts.OnProgress(100)
	}

	c.mu.Lock()
	delete(c.sessions, uploadID)
	c.mu.Unlock()

	log.Printf("[Upload] Session %s completed (%d chunks)", uploadID, total)
	return &Result{UploadID: uploadID, RecordingID: fin.RecordingID, JobID: fin.JobID}, nil
}

// Session returns a point-in-time copy of a live session.
func (c *Coordinator) Session(uploadID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[uploadID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	out := *sess
	out.Chunks = append([]Chunk(nil), sess.Chunks...)
	return out, nil
}

// Discard drops a session, typically after a failed upload has been
// reported to the user.
func (c *Coordinator) Discard(uploadID string) {
	c.mu.Lock()
	delete(c.sessions, uploadID)
	c.mu.Unlock()
}

func completedProgress(completed, total int) int {
	return completed * chunkProgressCeiling / total
}

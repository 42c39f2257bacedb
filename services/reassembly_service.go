package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// AllowedMimeTypes is the audio allow-list shared by every intake path.
var AllowedMimeTypes = map[string]bool{
	"audio/mpeg": true,
	"audio/wav":  true,
	"audio/mp4":  true,
	"audio/m4a":  true,
	"audio/webm": true,
	"audio/opus": true,
	"audio/ogg":  true,
}

// FinalizeRequest closes out a chunked upload.
type FinalizeRequest struct {
	UploadID    string `json:"uploadId" binding:"required"`
	TotalChunks int    `json:"totalChunks" binding:"required"`
	FileName    string `json:"fileName" binding:"required"`
	FileSize    int64  `json:"fileSize"`
	MimeType    string `json:"mimeType" binding:"required"`
}

// ReassemblyService stages uploaded chunks on disk, keyed by upload id
// and index, and concatenates them in index order on finalize. Chunk data
// for an upload id is removed after finalize whether the downstream call
// succeeded or not; nothing leaks in the temp dir.
type ReassemblyService struct {
	tempDir     string
	transcriber Transcriber
}

func NewReassemblyService(tempDir string, transcriber Transcriber) *ReassemblyService {
	return &ReassemblyService{tempDir: tempDir, transcriber: transcriber}
}

// StoreChunk persists one chunk. Idempotent per (uploadID, index): a
// repeated index is acknowledged without rewriting. A repeated index with
// different bytes is undefined behavior; the first write wins.
func (s *ReassemblyService) StoreChunk(uploadID string, index int, r io.Reader) error {
	if err := validateUploadID(uploadID); err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("invalid chunk index: %d", index)
	}

	dir := filepath.Join(s.tempDir, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %v", err)
	}

	path := chunkPath(dir, index)
	if _, err := os.Stat(path); err == nil {
		log.Printf("[StoreChunk] Chunk %d already exists for upload %s (idempotent)", index, uploadID)
		return nil
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %v", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write chunk %d: %v", index, err)
	}
	return nil
}

// AssembleTo verifies that every index 0..totalChunks-1 is present and
// streams them into dst in strictly ascending order. A hole fails before
// any concatenation with the first missing index.
func (s *ReassemblyService) AssembleTo(uploadID string, totalChunks int, dst io.Writer) (int64, error) {
	if err := validateUploadID(uploadID); err != nil {
		return 0, err
	}
	if totalChunks <= 0 {
		return 0, fmt.Errorf("invalid total chunk count: %d", totalChunks)
	}

	dir := filepath.Join(s.tempDir, uploadID)
	for i := 0; i < totalChunks; i++ {
		if _, err := os.Stat(chunkPath(dir, i)); err != nil {
			return 0, &MissingChunkError{UploadID: uploadID, Index: i}
		}
	}

	var written int64
	for i := 0; i < totalChunks; i++ {
		f, err := os.Open(chunkPath(dir, i))
		if err != nil {
			return written, &MissingChunkError{UploadID: uploadID, Index: i}
		}
		n, err := io.Copy(dst, f)
		f.Close()
		written += n
		if err != nil {
			return written, fmt.Errorf("failed to concatenate chunk %d: %v", i, err)
		}
	}
	return written, nil
}

// AssembleFile concatenates into a file at dstPath, creating parent
// directories as needed. The partial file is removed on error.
func (s *ReassemblyService) AssembleFile(uploadID string, totalChunks int, dstPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %v", err)
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %v", err)
	}
	written, assembleErr := s.AssembleTo(uploadID, totalChunks, dst)
	closeErr := dst.Close()
	if assembleErr != nil {
		_ = os.Remove(dstPath)
		return written, assembleErr
	}
	if closeErr != nil {
		_ = os.Remove(dstPath)
		return written, closeErr
	}
	return written, nil
}

// FinalizeTranscribe reassembles the upload and forwards it straight to
// the transcription engine, returning the transcript synchronously. Temp
// chunks are cleaned up on success and on failure past the integrity
// check, so a second finalize of the same id fails on missing chunk 0.
func (s *ReassemblyService) FinalizeTranscribe(ctx context.Context, req FinalizeRequest) (*TranscriptionResult, error) {
	if !AllowedMimeTypes[req.MimeType] {
		return nil, ErrInvalidMimeType
	}

	var buf bytes.Buffer
	written, err := s.AssembleTo(req.UploadID, req.TotalChunks, &buf)
	if err != nil {
		return nil, err
	}
	s.Cleanup(req.UploadID)

	log.Printf("[Finalize] Upload %s assembled (%d chunks, %d bytes), forwarding to transcription",
		req.UploadID, req.TotalChunks, written)

	result, err := s.transcriber.Transcribe(ctx, &buf, req.FileName, req.MimeType)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cleanup removes all staged chunk data for an upload id. Best effort.
func (s *ReassemblyService) Cleanup(uploadID string) {
	if err := validateUploadID(uploadID); err != nil {
		return
	}
	if err := os.RemoveAll(filepath.Join(s.tempDir, uploadID)); err != nil {
		log.Printf("[Cleanup] Failed to remove chunks for upload %s: %v", uploadID, err)
	}
}

func chunkPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%04d", index))
}

func validateUploadID(uploadID string) error {
	if uploadID == "" {
		return fmt.Errorf("missing upload id")
	}
	if strings.ContainsAny(uploadID, "/\\") || strings.Contains(uploadID, "..") {
		return fmt.Errorf("invalid upload id: %q", uploadID)
	}
	return nil
}

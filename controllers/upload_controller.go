package controllers

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"voicenotes/models"
	"voicenotes/services"
)

// MaxDirectUploadSize caps the single-shot transcription path; bigger
// files must go through chunked upload.
const MaxDirectUploadSize = 25 * 1024 * 1024

type UploadController struct {
	reassembly  *services.ReassemblyService
	queue       *services.Queue
	store       services.RecordingStore
	transcriber services.Transcriber
	limiter     *rate.Limiter
}

func NewUploadController(
	reassembly *services.ReassemblyService,
	queue *services.Queue,
	store services.RecordingStore,
	transcriber services.Transcriber,
	uploadRate float64,
	uploadBurst int,
) *UploadController {
	return &UploadController{
		reassembly:  reassembly,
		queue:       queue,
		store:       store,
		transcriber: transcriber,
		limiter:     rate.NewLimiter(rate.Limit(uploadRate), uploadBurst),
	}
}

func (ctl *UploadController) RegisterRoutes(r gin.IRouter) {
	audio := r.Group("/api/audio")
	audio.POST("/upload-chunk", ctl.UploadChunk)
	audio.POST("/finalize-upload", ctl.FinalizeUpload)
	audio.GET("/progress", ctl.Progress)

	r.POST("/api/transcribe", ctl.Transcribe)
	r.POST("/api/transcribe/finalize", ctl.FinalizeTranscribe)
}

// UploadChunk stores one chunk keyed by upload id and index.
func (ctl *UploadController) UploadChunk(c *gin.Context) {
	if !ctl.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "upload rate limit exceeded"})
		return
	}

	uploadID := c.PostForm("uploadId")
	chunkIndexStr := c.PostForm("chunkIndex")
	totalChunksStr := c.PostForm("totalChunks")
	fileHeader, err := c.FormFile("chunk")
	if uploadID == "" || chunkIndexStr == "" || totalChunksStr == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing uploadId, chunkIndex, totalChunks, or chunk"})
		return
	}

	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil || chunkIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunkIndex"})
		return
	}
	totalChunks, err := strconv.Atoi(totalChunksStr)
	if err != nil || totalChunks <= 0 || chunkIndex >= totalChunks {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid totalChunks"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open chunk"})
		return
	}
	defer file.Close()

	if err := ctl.reassembly.StoreChunk(uploadID, chunkIndex, file); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"chunkIndex": chunkIndex,
		"uploadId":   uploadID,
		"message":    fmt.Sprintf("Chunk %d/%d uploaded", chunkIndex+1, totalChunks),
	})
}

// FinalizeUpload reassembles the chunks, creates the recording shell and
// hands the audio to the processing pipeline. The client polls the
// returned job id for progress.
func (ctl *UploadController) FinalizeUpload(c *gin.Context) {
	var req services.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !services.AllowedMimeTypes[req.MimeType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrInvalidMimeType.Error()})
		return
	}

	var buf bytes.Buffer
	if _, err := ctl.reassembly.AssembleTo(req.UploadID, req.TotalChunks, &buf); err != nil {
		status, msg := uploadErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	ctl.reassembly.Cleanup(req.UploadID)

	rec := &models.Recording{
		Title:    req.FileName,
		FileName: req.FileName,
		FileSize: int64(buf.Len()),
		MimeType: req.MimeType,
		UserID:   userID(c),
	}
	if err := ctl.store.Create(c.Request.Context(), rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	jobID := ctl.queue.Enqueue(services.JobRequest{
		RecordingID: rec.ID.Hex(),
		Audio:       buf.Bytes(),
		FileName:    req.FileName,
		MimeType:    req.MimeType,
		UserID:      rec.UserID,
	})

	log.Printf("[Finalize] Upload %s queued as job %s (recording %s)", req.UploadID, jobID, rec.ID.Hex())
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"recordingId": rec.ID.Hex(),
		"jobId":       jobID,
		"fileName":    req.FileName,
		"fileSize":    buf.Len(),
		"message":     "Upload completed and processing started",
	})
}

// FinalizeTranscribe reassembles the chunks and forwards the audio to the
// transcription engine synchronously, returning the transcript.
func (ctl *UploadController) FinalizeTranscribe(c *gin.Context) {
	var req services.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := ctl.reassembly.FinalizeTranscribe(c.Request.Context(), req)
	if err != nil {
		status, msg := uploadErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Transcribe is the direct path for small files: one multipart request,
// no chunk bookkeeping.
func (ctl *UploadController) Transcribe(c *gin.Context) {
	fileHeader, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no audio file provided"})
		return
	}
	if fileHeader.Size > MaxDirectUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrFileTooLarge.Error()})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = c.PostForm("mimeType")
	}
	if !services.AllowedMimeTypes[mimeType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrInvalidMimeType.Error()})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open audio file"})
		return
	}
	defer file.Close()

	result, err := ctl.transcriber.Transcribe(c.Request.Context(), file, fileHeader.Filename, mimeType)
	if err != nil {
		status, msg := uploadErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Progress reports point-in-time pipeline state for one job.
func (ctl *UploadController) Progress(c *gin.Context) {
	jobID := c.Query("jobId")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobId required"})
		return
	}

	job, err := ctl.queue.Job(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":       job.ID,
		"progress":    job.Progress,
		"stage":       job.Stage,
		"status":      jobStatus(job),
		"error":       nullableError(job.Error),
		"recordingId": job.RecordingID,
	})
}

func jobStatus(job models.Job) string {
	switch job.Stage {
	case models.StageWaiting:
		return "waiting"
	case models.StageCompleted:
		return "completed"
	case models.StageFailed:
		return "failed"
	default:
		return "processing"
	}
}

func nullableError(msg string) any {
	if msg == "" {
		return nil
	}
	return msg
}

// uploadErrorStatus maps the error taxonomy to HTTP codes: validation and
// integrity errors are 4xx, engine-down is 503, engine-timeout is 504.
func uploadErrorStatus(err error) (int, string) {
	var missing *services.MissingChunkError
	if errors.As(err, &missing) {
		return http.StatusBadRequest, missing.Error()
	}
	var engine *services.EngineError
	if errors.As(err, &engine) {
		if engine.Timeout {
			return http.StatusGatewayTimeout, engine.Error()
		}
		return http.StatusServiceUnavailable, engine.Error()
	}
	if errors.Is(err, services.ErrInvalidMimeType) ||
		errors.Is(err, services.ErrFileTooLarge) ||
		errors.Is(err, services.ErrTranscriptTooShort) {
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

// userID is the authenticated user boundary: identity is resolved by an
// external provider upstream and forwarded in a header.
func userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

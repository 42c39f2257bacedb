package configs

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config collects every tunable read from the environment. It is built once
// in main and handed to the services explicitly; nothing reads os.Getenv at
// request time.
type Config struct {
	Addr          string
	MongoURI      string
	MongoDatabase string

	// TempDir stages incoming chunks per upload id; UploadDir holds
	// assembled audio files the pipeline keeps around.
	TempDir   string
	UploadDir string

	// The transcription engine is reachable on two paths with different
	// latency budgets: single-shot requests and finalize forwarding, which
	// includes model inference on the assembled file.
	TranscriberURL    string
	ProcessorURL      string
	TranscribeTimeout time.Duration
	FinalizeTimeout   time.Duration

	// Rate limit applied to the chunk upload endpoint.
	ChunkUploadRate  float64
	ChunkUploadBurst int
}

func Load() *Config {
	return &Config{
		Addr:              envString("ADDR", ":8080"),
		MongoURI:          envString("MONGO_URL", ""),
		MongoDatabase:     envString("MONGO_DATABASE", "voicenotes"),
		TempDir:           envString("CHUNK_TEMP_DIR", filepath.Join(os.TempDir(), "voicenotes-chunks")),
		UploadDir:         envString("UPLOAD_DIR", "./uploads"),
		TranscriberURL:    envString("TRANSCRIBER_URL", "http://localhost:8001"),
		ProcessorURL:      envString("PROCESSOR_URL", "http://localhost:8002"),
		TranscribeTimeout: envDuration("TRANSCRIBE_TIMEOUT", 25*time.Second),
		FinalizeTimeout:   envDuration("FINALIZE_TIMEOUT", 60*time.Second),
		ChunkUploadRate:   envFloat("CHUNK_UPLOAD_RATE", 20),
		ChunkUploadBurst:  envInt("CHUNK_UPLOAD_BURST", 40),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

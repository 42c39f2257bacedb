// Command upload pushes one or more audio files to a voicenotes server,
// chunking large files and streaming small ones directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"voicenotes/uploader"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "voicenotes server base URL")
	chunkSize := flag.Int64("chunk-size", uploader.DefaultChunkSize, "chunk size in bytes")
	concurrency := flag.Int("concurrency", uploader.DefaultConcurrency, "concurrent chunk uploads per file")
	maxFiles := flag.Int("max-files", uploader.DefaultMaxConcurrentFiles, "concurrent file uploads")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall timeout per file")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: upload [flags] <audio file>...")
		os.Exit(2)
	}

	transport := uploader.NewHTTPTransport(uploader.TransportConfig{
		ChunkURL:    *server + "/api/audio/upload-chunk",
		FinalizeURL: *server + "/api/audio/finalize-upload",
		DirectURL:   *server + "/api/transcribe",
	})
	orch := uploader.NewOrchestrator(transport, *maxFiles)

	var wg sync.WaitGroup
	for _, path := range flag.Args() {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := uploadOne(orch, path, *chunkSize, *concurrency, *timeout); err != nil {
				log.Printf("[Upload] %s failed: %v", path, err)
			}
		}(path)
	}
	wg.Wait()
}

func uploadOne(orch *uploader.Orchestrator, path string, chunkSize int64, concurrency int, timeout time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	name := filepath.Base(path)
	result, direct, err := orch.UploadFile(ctx, f, uploader.FileInfo{
		Name:     name,
		Size:     stat.Size(),
		MimeType: mimeType,
	}, uploader.Options{
		ChunkSize:   chunkSize,
		Concurrency: concurrency,
		OnProgress: func(percent int) {
			log.Printf("[Upload] %s: %d%%", name, percent)
		},
	})
	if err != nil {
		return err
	}

	if direct != nil {
		log.Printf("[Upload] %s transcribed directly (%d words, %s)", name, direct.WordCount, direct.Language)
		return nil
	}
	log.Printf("[Upload] %s queued: recording=%s job=%s", name, result.RecordingID, result.JobID)
	return nil
}

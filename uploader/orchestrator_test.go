package uploader

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// gateTransport blocks direct sends until released, to observe how many
// file uploads run at once.
type gateTransport struct {
	memTransport
	release     chan struct{}
	active      int32
	maxActive   int32
	directCalls int32
	chunkCalls  int32
}

func newGateTransport() *gateTransport {
	return &gateTransport{
		memTransport: *newMemTransport(),
		release:      make(chan struct{}),
	}
}

func (g *gateTransport) Send(ctx context.Context, req SendRequest) error {
	atomic.AddInt32(&g.chunkCalls, 1)
	return g.memTransport.Send(ctx, req)
}

func (g *gateTransport) SendDirect(ctx context.Context, body io.Reader, fileName, mimeType string) (*DirectResult, error) {
	atomic.AddInt32(&g.directCalls, 1)
	cur := atomic.AddInt32(&g.active, 1)
	defer atomic.AddInt32(&g.active, -1)
	for {
		max := atomic.LoadInt32(&g.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&g.maxActive, max, cur) {
			break
		}
	}
	<-g.release
	return &DirectResult{Transcript: "hello world", Language: "en", WordCount: 2}, nil
}

func TestSmallFileTakesDirectPath(t *testing.T) {
	transport := newGateTransport()
	close(transport.release)
	orch := NewOrchestrator(transport, 3)

	data := randomBytes(t, 500<<10)
	result, direct, err := orch.UploadFile(context.Background(), bytes.NewReader(data), FileInfo{
		Name: "small.mp3", Size: int64(len(data)), MimeType: "audio/mpeg",
	}, Options{ChunkSize: 1 << 20})
	require.NoError(t, err)

	require.Nil(t, result)
	require.NotNil(t, direct)
	require.Equal(t, "hello world", direct.Transcript)

	// One request total, the chunk endpoint is never touched.
	require.Equal(t, int32(1), atomic.LoadInt32(&transport.directCalls))
	require.Equal(t, int32(0), atomic.LoadInt32(&transport.chunkCalls))
}

func TestLargeFileTakesChunkedPath(t *testing.T) {
	transport := newGateTransport()
	close(transport.release)
	orch := NewOrchestrator(transport, 3)
	orch.coordinator.sleep = func(time.Duration) {}

	data := randomBytes(t, 3<<20)
	result, direct, err := orch.UploadFile(context.Background(), bytes.NewReader(data), FileInfo{
		Name: "big.mp3", Size: int64(len(data)), MimeType: "audio/mpeg",
	}, Options{ChunkSize: 1 << 20})
	require.NoError(t, err)

	require.Nil(t, direct)
	require.NotNil(t, result)
	require.Equal(t, int32(0), atomic.LoadInt32(&transport.directCalls))
	require.Equal(t, int32(3), atomic.LoadInt32(&transport.chunkCalls))
}

func TestOrchestratorGlobalCeiling(t *testing.T) {
	transport := newGateTransport()
	orch := NewOrchestrator(transport, 3)

	const files = 6
	data := randomBytes(t, 100<<10)
	errs := make(chan error, files)
	var wg sync.WaitGroup
	for i := 0; i < files; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := orch.UploadFile(context.Background(), bytes.NewReader(data), FileInfo{
				Name: "small.mp3", Size: int64(len(data)), MimeType: "audio/mpeg",
			}, Options{ChunkSize: 1 << 20})
			errs <- err
		}()
	}

	// Give the dispatcher time to admit everything it is willing to run.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&transport.active) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(3), atomic.LoadInt32(&transport.maxActive))

	close(transport.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(files), atomic.LoadInt32(&transport.directCalls))
	require.LessOrEqual(t, atomic.LoadInt32(&transport.maxActive), int32(3))
}

func TestOrchestratorProgressMonotonicPerFile(t *testing.T) {
	transport := newGateTransport()
	close(transport.release)
	orch := NewOrchestrator(transport, 2)
	orch.coordinator.sleep = func(time.Duration) {}

	data := randomBytes(t, 3<<20)
	var progress []int
	_, _, err := orch.UploadFile(context.Background(), bytes.NewReader(data), FileInfo{
		Name: "big.mp3", Size: int64(len(data)), MimeType: "audio/mpeg",
	}, Options{ChunkSize: 1 << 20, OnProgress: func(p int) { progress = append(progress, p) }})
	require.NoError(t, err)

	for i := 1; i < len(progress); i++ {
		require.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	require.Equal(t, 100, progress[len(progress)-1])
}

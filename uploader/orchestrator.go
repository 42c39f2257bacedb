package uploader

import (
	"context"
	"io"
	"log"
	"sync"
)

// DefaultMaxConcurrentFiles bounds whole-file uploads in flight at once,
// independent of each file's internal chunk concurrency.
const DefaultMaxConcurrentFiles = 3

// directSizeFactor: files no bigger than this many chunks skip chunking
// and go through a single multipart request.
const directSizeFactor = 2

// Orchestrator multiplexes many file uploads through one Coordinator. It
// keeps a FIFO queue of pending files and a global concurrency ceiling;
// completion order across files is not guaranteed.
type Orchestrator struct {
	coordinator *Coordinator
	transport   Transport
	limit       int

	mu      sync.Mutex
	active  int
	pending []*uploadTask
}

type uploadTask struct {
	ctx  context.Context
	src  io.ReaderAt
	info FileInfo
	opts Options
	done chan taskOutcome
}

type taskOutcome struct {
	result *Result
	direct *DirectResult
	err    error
}

func NewOrchestrator(transport Transport, maxConcurrentFiles int) *Orchestrator {
	if maxConcurrentFiles <= 0 {
		maxConcurrentFiles = DefaultMaxConcurrentFiles
	}
	return &Orchestrator{
		coordinator: NewCoordinator(transport),
		transport:   transport,
		limit:       maxConcurrentFiles,
	}
}

// Coordinator exposes the session table for progress inspection.
func (o *Orchestrator) Coordinator() *Coordinator { return o.coordinator }

// UploadFile enqueues one file and blocks until it settles. Progress
// callbacks are invoked monotonically increasing per file. Small files
// (size <= 2 x chunkSize) bypass chunking entirely; Direct is non-nil in
// that case and carries the synchronous transcription result.
func (o *Orchestrator) UploadFile(ctx context.Context, src io.ReaderAt, info FileInfo, opts Options) (*Result, *DirectResult, error) {
	task := &uploadTask{
		ctx:  ctx,
		src:  src,
		info: info,
		opts: opts,
		done: make(chan taskOutcome, 1),
	}

	o.mu.Lock()
	o.pending = append(o.pending, task)
	o.mu.Unlock()

	o.dispatch()

	out := <-task.done
	return out.result, out.direct, out.err
}

// dispatch drains the pending queue up to the global ceiling. The counter
// is only touched under the mutex; workers re-dispatch as they finish.
func (o *Orchestrator) dispatch() {
	for {
		o.mu.Lock()
		if o.active >= o.limit || len(o.pending) == 0 {
			o.mu.Unlock()
			return
		}
		task := o.pending[0]
		o.pending = o.pending[1:]
		o.active++
		o.mu.Unlock()

		go o.run(task)
	}
}

func (o *Orchestrator) run(task *uploadTask) {
	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
		o.dispatch()
	}()

	task.opts.applyDefaults()

	if task.info.Size > 0 && task.info.Size <= directSizeFactor*task.opts.ChunkSize {
		log.Printf("[Orchestrator] %s (%d bytes) small enough for direct upload", task.info.Name, task.info.Size)
		body := io.NewSectionReader(task.src, 0, task.info.Size)
		res, err := o.transport.SendDirect(task.ctx, body, task.info.Name, task.info.MimeType)
		if err == nil && task.opts.OnProgress != nil {
			task.opts.OnProgress(100)
		}
		task.done <- taskOutcome{direct: res, err: err}
		return
	}

	res, err := o.coordinator.Upload(task.ctx, task.src, task.info, task.opts)
	task.done <- taskOutcome{result: res, err: err}
}

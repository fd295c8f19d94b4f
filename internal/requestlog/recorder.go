// Package requestlog collects one entry per outbound API attempt and fans the
// entries out to sinks on a background worker so callers never wait on them.
package requestlog

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Entry struct {
	ID         string        `json:"id"`
	Endpoint   string        `json:"endpoint"`
	Method     string        `json:"method"`
	StatusCode int           `json:"status_code"`
	Request    string        `json:"request,omitempty"`
	Response   string        `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempt    int           `json:"attempt"`
	Duration   time.Duration `json:"duration_ns"`
	At         time.Time     `json:"at"`
}

type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

type Config struct {
	BufferSize int
	RecentSize int
}

type Recorder struct {
	sinks   []Sink
	logger  *log.Logger
	queue   chan Entry
	dropped atomic.Int64

	recentMu   sync.RWMutex
	recent     []Entry
	recentNext int
	recentFull bool

	startOnce sync.Once
	done      chan struct{}
}

func NewRecorder(cfg Config, logger *log.Logger, sinks ...Sink) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 200
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		sinks:  sinks,
		logger: logger,
		queue:  make(chan Entry, cfg.BufferSize),
		recent: make([]Entry, cfg.RecentSize),
		done:   make(chan struct{}),
	}
}

// Record never blocks. When the buffer is full the entry is dropped and counted.
func (r *Recorder) Record(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	r.remember(entry)

	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
	}
}

// Start launches the sink worker. It stops when ctx is canceled after
// draining whatever is already buffered.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.worker(ctx)
	})
}

// Done is closed once the worker has exited.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(limit int) []Entry {
	r.recentMu.RLock()
	defer r.recentMu.RUnlock()

	size := r.recentNext
	if r.recentFull {
		size = len(r.recent)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.recentNext - 1 - i + len(r.recent)) % len(r.recent)
		out = append(out, r.recent[idx])
	}
	return out
}

func (r *Recorder) remember(entry Entry) {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	r.recent[r.recentNext] = entry
	r.recentNext = (r.recentNext + 1) % len(r.recent)
	if r.recentNext == 0 {
		r.recentFull = true
	}
}

func (r *Recorder) worker(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case entry := <-r.queue:
			r.write(entry)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case entry := <-r.queue:
			r.write(entry)
		default:
			return
		}
	}
}

func (r *Recorder) write(entry Entry) {
	for _, sink := range r.sinks {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Write(writeCtx, entry); err != nil {
			r.logger.Printf("request log sink write failed for %s %s: %v", entry.Method, entry.Endpoint, err)
		}
		cancel()
	}
}

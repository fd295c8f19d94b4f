package requestlog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{}
	err     error
}

func (s *captureSink) Write(_ context.Context, entry Entry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return s.err
}

func (s *captureSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestRecorderDeliversToSinks(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(Config{BufferSize: 8}, log.New(io.Discard, "", 0), sink)

	ctx, cancel := context.WithCancel(context.Background())
	rec.Start(ctx)

	rec.Record(Entry{Endpoint: "/campaigns", Method: "POST", StatusCode: 201})
	rec.Record(Entry{Endpoint: "/user", Method: "GET", StatusCode: 200})

	cancel()
	select {
	case <-rec.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "recorder did not stop")
	}

	require.Equal(t, 2, sink.Count())
	for _, entry := range sink.entries {
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.At.IsZero(), "timestamp should be filled")
	}
}

func TestRecorderRecordNeverBlocksWhenBufferFull(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	rec := NewRecorder(Config{BufferSize: 1}, log.New(io.Discard, "", 0), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			rec.Record(Entry{Endpoint: "/subscribers", Method: "GET"})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		require.FailNow(t, "Record blocked on a stalled sink")
	}
	assert.Positive(t, rec.Dropped(), "entries should drop while the sink is stalled")
	close(sink.block)
}

func TestRecorderRecentReturnsNewestFirst(t *testing.T) {
	rec := NewRecorder(Config{RecentSize: 3}, log.New(io.Discard, "", 0))
	for _, endpoint := range []string{"/a", "/b", "/c", "/d"} {
		rec.Record(Entry{Endpoint: endpoint, Method: "GET"})
	}

	recent := rec.Recent(10)
	endpoints := make([]string, 0, len(recent))
	for _, entry := range recent {
		endpoints = append(endpoints, entry.Endpoint)
	}
	assert.Equal(t, []string{"/d", "/c", "/b"}, endpoints)

	limited := rec.Recent(1)
	require.Len(t, limited, 1)
	assert.Equal(t, "/d", limited[0].Endpoint)
}

func TestRecorderLogsSinkFailures(t *testing.T) {
	var buf bytes.Buffer
	sink := &captureSink{err: errors.New("disk full")}
	rec := NewRecorder(Config{}, log.New(&buf, "", 0), sink)

	ctx, cancel := context.WithCancel(context.Background())
	rec.Start(ctx)
	rec.Record(Entry{Endpoint: "/campaigns", Method: "POST"})
	cancel()
	<-rec.Done()

	assert.Contains(t, buf.String(), "disk full")
}

func TestLogSinkIncludesErrorText(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(log.New(&buf, "", 0))
	require.NoError(t, sink.Write(context.Background(), Entry{Endpoint: "/campaigns", Method: "POST", StatusCode: 422, Error: "title required"}))
	assert.Contains(t, buf.String(), `error="title required"`)
}

package pushrelay

import (
	"context"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/pushrelay-bridge/internal/requestlog"
	"github.com/VenkatGGG/pushrelay-bridge/internal/transient"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []requestlog.Entry
}

func (r *memoryRecorder) Record(entry requestlog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *memoryRecorder) Entries() []requestlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]requestlog.Entry(nil), r.entries...)
}

type panicRecorder struct{}

func (panicRecorder) Record(requestlog.Entry) { panic("recorder exploded") }

type scriptedServer struct {
	*httptest.Server
	calls atomic.Int32
	mu    sync.Mutex
	times []time.Time
}

func newScriptedServer(t *testing.T, handler func(call int, w http.ResponseWriter, r *http.Request)) *scriptedServer {
	t.Helper()
	s := &scriptedServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := int(s.calls.Add(1))
		s.mu.Lock()
		s.times = append(s.times, time.Now())
		s.mu.Unlock()
		handler(call, w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) Calls() int {
	return int(s.calls.Load())
}

func newTestExecutor(baseURL string, clock *fakeClock, recorder Recorder) *Executor {
	cfg := Config{BaseURL: baseURL, APIKey: "secret-key"}
	var store transient.Store
	if clock != nil {
		cfg.Now = clock.Now
		store = transient.NewInMemoryStoreWithClock(clock.Now)
	}
	return NewExecutor(cfg, store, recorder, log.New(io.Discard, "", 0))
}

func TestExecuteWithoutAPIKeyMakesNoCall(t *testing.T) {
	srv := newScriptedServer(t, func(int, http.ResponseWriter, *http.Request) {})
	exec := NewExecutor(Config{BaseURL: srv.URL}, nil, nil, log.New(io.Discard, "", 0))

	_, err := exec.Execute(context.Background(), Request{Endpoint: "/user", Method: MethodGet})

	require.Error(t, err)
	assert.Equal(t, KindNotConfigured, KindOf(err))
	assert.Equal(t, 0, srv.Calls())
}

func TestExecuteGetEncodesQueryAndBearerToken(t *testing.T) {
	srv := newScriptedServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/subscribers", r.URL.Path)
		query := r.URL.Query()
		assert.Equal(t, "2", query.Get("page"))
		assert.Equal(t, "10", query.Get("ids[0]"))
		assert.Equal(t, "11", query.Get("ids[1]"))
		assert.False(t, query.Has("search"), "empty values must not be sent")
		_, _ = w.Write([]byte(`{"data":[],"meta":{"total":0}}`))
	})
	exec := newTestExecutor(srv.URL, nil, nil)

	resp, err := exec.Execute(context.Background(), Request{
		Endpoint: "/subscribers",
		Method:   MethodGet,
		Params:   map[string]any{"page": 2, "ids": []int64{10, 11}, "search": ""},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Body, "meta")
}

func TestExecutePostSendsMultipartWithIndexedFieldsAndFiles(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "banner.png")
	require.NoError(t, os.WriteFile(imagePath, []byte("\x89PNG\r\n\x1a\nfake"), 0o644))

	srv := newScriptedServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "multipart/form-data", mediaType)

		reader := multipart.NewReader(r.Body, params["boundary"])
		form, err := reader.ReadForm(1 << 20)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, []string{"Launch"}, form.Value["title"])
		assert.Equal(t, []string{"5"}, form.Value["subscribers_ids[0]"])
		assert.Equal(t, []string{"6"}, form.Value["subscribers_ids[1]"])
		if !assert.Len(t, form.File["image"], 1) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "banner.png", form.File["image"][0].Filename)
		assert.Equal(t, "image/png", form.File["image"][0].Header.Get("Content-Type"))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":321}}`))
	})
	exec := newTestExecutor(srv.URL, nil, nil)

	resp, err := exec.Execute(context.Background(), Request{
		Endpoint: "/campaigns",
		Method:   MethodPost,
		Params:   map[string]any{"title": "Launch", "subscribers_ids": []int64{5, 6}},
		Files:    map[string]string{"image": imagePath},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, srv.Calls())
}

func TestExecuteRetriesIdempotentRequestOnceAfter503(t *testing.T) {
	srv := newScriptedServer(t, func(call int, w http.ResponseWriter, _ *http.Request) {
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"id":1}}`))
	})
	exec := newTestExecutor(srv.URL, nil, nil)

	resp, err := exec.Execute(context.Background(), Request{Endpoint: "/user", Method: MethodGet})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, srv.Calls())
	gap := srv.times[1].Sub(srv.times[0])
	assert.GreaterOrEqual(t, gap, 450*time.Millisecond)
	assert.Less(t, gap, 2*time.Second)
}

func TestExecuteDoesNotRetryPostOn503(t *testing.T) {
	srv := newScriptedServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	exec := newTestExecutor(srv.URL, nil, nil)

	_, err := exec.Execute(context.Background(), Request{
		Endpoint: "/campaigns",
		Method:   MethodPost,
		Params:   map[string]any{"title": "x"},
	})

	require.Error(t, err)
	assert.Equal(t, KindAPIError, KindOf(err))
	assert.Equal(t, 1, srv.Calls())
}

func TestExecuteStopsAfterTwoAttempts(t *testing.T) {
	srv := newScriptedServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	exec := NewExecutor(Config{BaseURL: srv.URL, APIKey: "k", RetryDelay: 10 * time.Millisecond}, nil, nil, log.New(io.Discard, "", 0))

	_, err := exec.Execute(context.Background(), Request{Endpoint: "/websites", Method: MethodGet})

	require.Error(t, err)
	assert.Equal(t, KindAPIError, KindOf(err))
	assert.Equal(t, 2, srv.Calls())
}

func TestExecuteDoesNotRetryClientErrors(t *testing.T) {
	srv := newScriptedServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Website not found","error":"not_found"}`))
	})
	exec := newTestExecutor(srv.URL, nil, nil)

	_, err := exec.Execute(context.Background(), Request{Endpoint: "/websites/9", Method: MethodGet})

	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, KindAPIError, relayErr.Kind)
	assert.Equal(t, http.StatusNotFound, relayErr.StatusCode)
	assert.Equal(t, "Website not found", relayErr.Message)
	assert.Equal(t, 1, srv.Calls())
}

func TestExecuteRetriesTransportTimeouts(t *testing.T) {
	release := make(chan struct{})
	srv := newScriptedServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	defer close(release)
	exec := NewExecutor(Config{
		BaseURL:    srv.URL,
		APIKey:     "k",
		Timeout:    50 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
	}, nil, nil, log.New(io.Discard, "", 0))

	_, err := exec.Execute(context.Background(), Request{Endpoint: "/user", Method: MethodGet})

	require.Error(t, err)
	assert.Equal(t, KindTransientNetwork, KindOf(err))
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, srv.Calls())
}

func TestExecuteTreatsInvalidJSONSuccessAsEmptyBody(t *testing.T) {
	srv := newScriptedServer(t, func(call int, w http.ResponseWriter, _ *http.Request) {
		if call == 1 {
			_, _ = w.Write([]byte(`<html>ok</html>`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	exec := newTestExecutor(srv.URL, nil, nil)

	resp, err := exec.Execute(context.Background(), Request{Endpoint: "/user", Method: MethodGet})
	require.NoError(t, err)
	assert.NotNil(t, resp.Body)
	assert.Empty(t, resp.Body)

	resp, err = exec.Execute(context.Background(), Request{Endpoint: "/campaigns/4", Method: MethodDelete})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Body)
}

func TestAPIErrorMessagePreference(t *testing.T) {
	long := strings.Repeat("x", 300)
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "message field", body: `{"message":"Title is required","error":"validation"}`, want: "Title is required"},
		{name: "error field", body: `{"error":"Invalid website"}`, want: "Invalid website"},
		{name: "raw snippet", body: long, want: strings.Repeat("x", 200)},
		{name: "generic", body: "", want: "status code 422"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, apiErrorMessage(http.StatusUnprocessableEntity, []byte(tc.body)))
		})
	}
}

func TestRateLimitBackoffShortCircuitsForSixtySeconds(t *testing.T) {
	srv := newScriptedServer(t, func(call int, w http.ResponseWriter, _ *http.Request) {
		if call == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	})
	clock := newFakeClock()
	exec := newTestExecutor(srv.URL, clock, nil)
	ctx := context.Background()

	_, err := exec.Execute(ctx, Request{Endpoint: "/user", Method: MethodGet})
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, 1, srv.Calls())

	clock.Advance(30 * time.Second)
	_, err = exec.Execute(ctx, Request{Endpoint: "/user", Method: MethodGet})
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, KindRateLimited, relayErr.Kind)
	assert.Equal(t, 30*time.Second, relayErr.RetryAfter)
	assert.Equal(t, 1, srv.Calls(), "no network call while backoff is active")

	clock.Advance(31 * time.Second)
	_, err = exec.Execute(ctx, Request{Endpoint: "/user", Method: MethodGet})
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Calls())
}

func TestExecuteReportsEveryAttempt(t *testing.T) {
	srv := newScriptedServer(t, func(call int, w http.ResponseWriter, _ *http.Request) {
		if call == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"email":"a@b.c"}}`))
	})
	recorder := &memoryRecorder{}
	exec := NewExecutor(Config{BaseURL: srv.URL, APIKey: "k", RetryDelay: 5 * time.Millisecond}, nil, recorder, log.New(io.Discard, "", 0))

	_, err := exec.Execute(context.Background(), Request{Endpoint: "/user", Method: MethodGet, Params: map[string]any{"a": "b"}})
	require.NoError(t, err)

	entries := recorder.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, http.StatusGatewayTimeout, entries[0].StatusCode)
	assert.Equal(t, 1, entries[0].Attempt)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, http.StatusOK, entries[1].StatusCode)
	assert.Equal(t, 2, entries[1].Attempt)
	assert.Equal(t, "/user", entries[1].Endpoint)
	assert.Contains(t, entries[1].Response, "a@b.c")
	assert.Contains(t, entries[1].Request, `"a":"b"`)
}

func TestExecuteSurvivesPanickingRecorder(t *testing.T) {
	srv := newScriptedServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	exec := newTestExecutor(srv.URL, nil, panicRecorder{})

	_, err := exec.Execute(context.Background(), Request{Endpoint: "/user", Method: MethodGet})
	require.NoError(t, err)
}

func TestExecuteRejectsMissingFileBeforeNetwork(t *testing.T) {
	srv := newScriptedServer(t, func(int, http.ResponseWriter, *http.Request) {})
	exec := newTestExecutor(srv.URL, nil, nil)

	_, err := exec.Execute(context.Background(), Request{
		Endpoint: "/campaigns",
		Method:   MethodPost,
		Files:    map[string]string{"image": filepath.Join(t.TempDir(), "missing.png")},
	})

	assert.Equal(t, KindInvalidParameter, KindOf(err))
	assert.Equal(t, 0, srv.Calls())
}

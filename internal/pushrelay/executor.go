// Package pushrelay talks to the PushRelay REST API: a request executor with a
// single-retry policy and a client-side rate-limit circuit breaker, plus a typed
// client for the API's endpoint families.
package pushrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VenkatGGG/pushrelay-bridge/internal/requestlog"
	"github.com/VenkatGGG/pushrelay-bridge/internal/transient"
)

const (
	DefaultBaseURL       = "https://pushrelay.io/api"
	DefaultTimeout       = 30 * time.Second
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultBackoffWindow = 60 * time.Second

	maxAttempts      = 2
	backoffKey       = "pushrelay:rate_limited"
	errorBodyLimit   = 200
	logSnippetLimit  = 1000
	maxResponseBytes = 5 << 20
)

type Config struct {
	BaseURL       string
	APIKey        string
	UserAgent     string
	Timeout       time.Duration
	RetryDelay    time.Duration
	BackoffWindow time.Duration
	HTTPClient    *http.Client
	Now           func() time.Time
}

// Recorder receives one entry per attempt. Implementations must not block.
type Recorder interface {
	Record(entry requestlog.Entry)
}

// Response is the success branch of an executor call. Body is never nil.
type Response struct {
	StatusCode int
	Body       map[string]any
}

type Executor struct {
	cfg        Config
	httpClient *http.Client
	backoff    transient.Store
	recorder   Recorder
	logger     *log.Logger
}

func NewExecutor(cfg Config, backoff transient.Store, recorder Recorder, logger *log.Logger) *Executor {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.BackoffWindow <= 0 {
		cfg.BackoffWindow = DefaultBackoffWindow
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "pushrelay-bridge/1.0"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if backoff == nil {
		backoff = transient.NewInMemoryStoreWithClock(cfg.Now)
	}
	if logger == nil {
		logger = log.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Executor{
		cfg:        cfg,
		httpClient: httpClient,
		backoff:    backoff,
		recorder:   recorder,
		logger:     logger,
	}
}

// Configured reports whether an API key is available.
func (e *Executor) Configured() bool {
	return strings.TrimSpace(e.cfg.APIKey) != ""
}

func (e *Executor) Execute(ctx context.Context, req Request) (Response, error) {
	if !e.Configured() {
		return Response{}, &Error{Kind: KindNotConfigured, Message: "PushRelay API key is not configured"}
	}
	if remaining, limited := e.backoffRemaining(ctx); limited {
		return Response{}, &Error{
			Kind:       KindRateLimited,
			Message:    "rate limit backoff active, retry later",
			StatusCode: http.StatusTooManyRequests,
			RetryAfter: remaining,
		}
	}

	method, err := req.normalizedMethod()
	if err != nil {
		return Response{}, err
	}
	prepared, err := prepare(e.cfg.BaseURL, method, req)
	if err != nil {
		return Response{}, err
	}

	attempts := 1
	if method.Idempotent() {
		attempts = maxAttempts
	}

	for attempt := 1; ; attempt++ {
		status, body, sendErr := e.send(ctx, req.Endpoint, prepared, attempt)
		if attempt < attempts && shouldRetry(status, sendErr) {
			if err := sleepContext(ctx, e.cfg.RetryDelay); err != nil {
				return Response{}, &Error{Kind: KindTransientNetwork, Message: err.Error(), Err: err}
			}
			continue
		}
		return e.classify(ctx, status, body, sendErr)
	}
}

func (e *Executor) send(ctx context.Context, endpoint string, prepared preparedRequest, attempt int) (int, []byte, error) {
	started := time.Now()
	status, body, err := e.roundTrip(ctx, prepared)
	entry := requestlog.Entry{
		Endpoint:   endpoint,
		Method:     prepared.method,
		StatusCode: status,
		Request:    prepared.summary,
		Response:   truncate(string(body), logSnippetLimit),
		Attempt:    attempt,
		Duration:   time.Since(started),
		At:         e.cfg.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	} else if status >= 400 {
		entry.Error = "http status " + strconv.Itoa(status)
	}
	e.report(entry)
	return status, body, err
}

func (e *Executor) roundTrip(ctx context.Context, prepared preparedRequest) (int, []byte, error) {
	var reader io.Reader
	if prepared.body != nil {
		reader = bytes.NewReader(prepared.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, prepared.method, prepared.url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(e.cfg.APIKey))
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
	if prepared.contentType != "" {
		httpReq.Header.Set("Content-Type", prepared.contentType)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, body, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// report must never take the call down with it.
func (e *Executor) report(entry requestlog.Entry) {
	if e.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("pushrelay request recorder panicked: %v", r)
		}
	}()
	e.recorder.Record(entry)
}

func (e *Executor) classify(ctx context.Context, status int, body []byte, sendErr error) (Response, error) {
	if sendErr != nil {
		return Response{}, &Error{
			Kind:       KindTransientNetwork,
			Message:    sendErr.Error(),
			StatusCode: status,
			Err:        sendErr,
		}
	}

	switch {
	case status >= 200 && status < 300:
		return Response{StatusCode: status, Body: decodeBody(body)}, nil
	case status == http.StatusTooManyRequests:
		e.setBackoff(ctx)
		return Response{}, &Error{
			Kind:       KindRateLimited,
			Message:    "rate limit exceeded, retry later",
			StatusCode: status,
			RetryAfter: e.cfg.BackoffWindow,
		}
	case status >= 400:
		return Response{}, &Error{
			Kind:       KindAPIError,
			Message:    apiErrorMessage(status, body),
			StatusCode: status,
		}
	default:
		return Response{}, &Error{
			Kind:       KindAPIError,
			Message:    fmt.Sprintf("unexpected status code %d", status),
			StatusCode: status,
		}
	}
}

func (e *Executor) backoffRemaining(ctx context.Context) (time.Duration, bool) {
	raw, ok, err := e.backoff.Get(ctx, backoffKey)
	if err != nil {
		e.logger.Printf("pushrelay backoff lookup failed, continuing without it: %v", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	untilMS, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if parseErr != nil {
		return e.cfg.BackoffWindow, true
	}
	remaining := time.UnixMilli(untilMS).Sub(e.cfg.Now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (e *Executor) setBackoff(ctx context.Context) {
	until := e.cfg.Now().Add(e.cfg.BackoffWindow)
	if err := e.backoff.Set(ctx, backoffKey, strconv.FormatInt(until.UnixMilli(), 10), e.cfg.BackoffWindow); err != nil {
		e.logger.Printf("pushrelay unable to persist rate limit backoff: %v", err)
		return
	}
	e.logger.Printf("pushrelay rate limited; suspending requests until %s", until.UTC().Format(time.RFC3339))
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		return isTimeoutError(err)
	}
	switch status {
	case 0, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, signal := range []string{"timeout", "timed out", "deadline exceeded"} {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

func decodeBody(body []byte) map[string]any {
	decoded := map[string]any{}
	if len(bytes.TrimSpace(body)) == 0 {
		return decoded
	}
	if err := json.Unmarshal(body, &decoded); err != nil || decoded == nil {
		return map[string]any{}
	}
	return decoded
}

func apiErrorMessage(status int, body []byte) string {
	decoded := decodeBody(body)
	for _, key := range []string{"message", "error"} {
		if text, ok := decoded[key].(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	if raw := strings.TrimSpace(string(body)); raw != "" {
		return clip(raw, errorBodyLimit)
	}
	return fmt.Sprintf("status code %d", status)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

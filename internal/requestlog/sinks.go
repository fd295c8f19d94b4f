package requestlog

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, entry Entry) error {
	if entry.Error != "" {
		s.logger.Printf("pushrelay %s %s status=%d attempt=%d duration=%s error=%q",
			entry.Method, entry.Endpoint, entry.StatusCode, entry.Attempt, entry.Duration, entry.Error)
		return nil
	}
	s.logger.Printf("pushrelay %s %s status=%d attempt=%d duration=%s",
		entry.Method, entry.Endpoint, entry.StatusCode, entry.Attempt, entry.Duration)
	return nil
}

type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, pool *pgxpool.Pool) (*PostgresSink, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	sink := &PostgresSink{pool: pool}
	if err := sink.initSchema(ctx); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) Write(ctx context.Context, entry Entry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO api_request_log (
	id, endpoint, method, status_code, request_data, response_data,
	error_message, attempt, duration_ms, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING
`,
		entry.ID,
		entry.Endpoint,
		entry.Method,
		entry.StatusCode,
		entry.Request,
		entry.Response,
		entry.Error,
		entry.Attempt,
		entry.Duration.Milliseconds(),
		entry.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

func (s *PostgresSink) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS api_request_log (
	id TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	request_data TEXT NOT NULL DEFAULT '',
	response_data TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 1,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS api_request_log_created_at_idx ON api_request_log (created_at DESC);
`)
	if err != nil {
		return fmt.Errorf("init api_request_log schema: %w", err)
	}
	return nil
}

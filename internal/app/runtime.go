// Package app wires configuration, stores and transports into a runnable
// relay process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VenkatGGG/pushrelay-bridge/internal/api"
	"github.com/VenkatGGG/pushrelay-bridge/internal/config"
	"github.com/VenkatGGG/pushrelay-bridge/internal/content"
	"github.com/VenkatGGG/pushrelay-bridge/internal/guard"
	"github.com/VenkatGGG/pushrelay-bridge/internal/pushrelay"
	"github.com/VenkatGGG/pushrelay-bridge/internal/requestlog"
)

type Runtime struct {
	cfg        config.Config
	logger     *log.Logger
	stores     stores
	recorder   *requestlog.Recorder
	handler    http.Handler
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

func NewRuntime(ctx context.Context, cfg config.Config, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.Default()
	}
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	sinks := []requestlog.Sink{requestlog.NewLogSink(logger)}
	if cfg.RequestLogPersist {
		sink, err := requestlog.NewPostgresSink(ctx, st.pool)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("init request log sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	recorder := requestlog.NewRecorder(requestlog.Config{
		BufferSize: cfg.RequestLogBuffer,
		RecentSize: cfg.RequestLogRecent,
	}, logger, sinks...)

	executor := pushrelay.NewExecutor(pushrelay.Config{
		BaseURL:       cfg.APIBaseURL,
		APIKey:        cfg.APIKey,
		UserAgent:     cfg.APIUserAgent,
		Timeout:       cfg.APITimeout,
		RetryDelay:    cfg.APIRetryDelay,
		BackoffWindow: cfg.APIBackoffWindow,
	}, st.transient, recorder, logger)
	if !executor.Configured() {
		logger.Printf("PUSHRELAY_API_KEY not set; sends will fail with %s", pushrelay.KindNotConfigured)
	}
	client := pushrelay.NewClient(executor)

	g := guard.New(guard.Config{
		AutoNotify:   cfg.AutoNotify,
		ContentTypes: cfg.ContentTypes,
		WebsiteID:    cfg.WebsiteID,
		Segment:      cfg.Segment,
		LockTTL:      cfg.LockTTL,
	}, client, st.markers, st.transient, logger)

	dispatcher := content.NewDispatcher(logger)
	if err := g.Register(dispatcher); err != nil {
		st.close()
		return nil, fmt.Errorf("register notification guard: %w", err)
	}

	server := api.NewServer(g, dispatcher, recorder, api.Options{
		APIKey:     cfg.InboundAPIKey,
		RateLimit:  cfg.WriteRateLimit,
		RateWindow: cfg.WriteRateWindow,
		Logger:     logger,
	})
	handler := server.Routes()

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		stores:   st,
		recorder: recorder,
		handler:  handler,
		httpServer: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		grpcServer: grpcServer,
		health:     healthSrv,
	}, nil
}

func (r *Runtime) Handler() http.Handler {
	return r.handler
}

// Run serves HTTP and gRPC health until ctx is cancelled, then shuts both
// down and flushes the request log.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.stores.close()

	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	r.recorder.Start(recorderCtx)

	lis, err := net.Listen("tcp", r.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		r.logger.Printf("grpc health listening on %s", r.cfg.GRPCAddr)
		if err := r.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		r.logger.Printf("relay listening on %s", r.cfg.HTTPAddr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	r.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		r.logger.Printf("runtime error: %v", runErr)
	}

	r.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Printf("http shutdown error: %v", err)
	}
	r.shutdownGRPC(shutdownCtx)

	stopRecorder()
	select {
	case <-r.recorder.Done():
	case <-shutdownCtx.Done():
		r.logger.Printf("request log flush timed out")
	}
	return runErr
}

func (r *Runtime) shutdownGRPC(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.grpcServer.Stop()
	}
}

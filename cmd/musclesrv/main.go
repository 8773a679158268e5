// Command musclesrv runs the MUSCLE reflect server: a raw TCP listener
// (plus an optional WebSocket bridge) fronting a single-threaded tree
// reflection event loop, metrics/healthz HTTP endpoints, and optional JWT
// session-admission gating and NATS telemetry export. Grounded in the
// teacher's signal-driven main (go-server-3/cmd/odin-ws/main.go).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/musclereflect/muscle/internal/auth"
	"github.com/musclereflect/muscle/internal/config"
	"github.com/musclereflect/muscle/internal/logging"
	"github.com/musclereflect/muscle/internal/metrics"
	"github.com/musclereflect/muscle/internal/server"
	"github.com/musclereflect/muscle/internal/session"
	"github.com/musclereflect/muscle/internal/storage"
	"github.com/musclereflect/muscle/internal/telemetry"
	"github.com/musclereflect/muscle/internal/transport/tcp"
	"github.com/musclereflect/muscle/internal/transport/wsbridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "musclesrv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	met := metrics.New()

	tel, err := telemetry.Connect(cfg.NATSURL, "muscle.events", log)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry disabled: could not connect to NATS")
	}
	defer tel.Close()

	var gate *auth.Gate
	if cfg.RequireAuth {
		gate = auth.NewGate(auth.NewManager(cfg.JWTSecret, 24*time.Hour))
	} else {
		gate = auth.NewGate(nil)
	}

	srv := server.New(log, nil, cfg.PulseInterval)
	srv.SetTelemetry(tel)
	srv.SetIdleTimeout(cfg.IdleTimeout)
	storageSession := storage.New(srv, storage.Limits{
		SubscribeRateHz: cfg.SubscribeRateHz,
		SubscribeBurst:  cfg.SubscribeBurst,
		MaxNodesPerSess: cfg.MaxNodesPerSess,
	})
	srv.SetFactory(storageSession)

	params := session.Params{
		MaxMessageSize: cfg.MaxMessageSize,
		MaxQueueDepth:  cfg.MaxQueueDepth,
	}

	tcpTransport, err := tcp.Listen(cfg.ListenAddr, srv, params, gate, log)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	log.Info().Str("addr", cfg.ListenAddr).Msg("tcp transport listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 4)

	go func() { errCh <- srv.Run(ctx) }()
	go func() {
		incoming := make(chan *session.Session)
		go func() {
			for sess := range incoming {
				srv.Register(sess)
			}
		}()
		errCh <- tcpTransport.Accept(ctx, incoming)
	}()
	go met.RunSystemSampler(ctx, time.Second)

	if cfg.WSBridgeAddr != "" {
		bridge := wsbridge.New(srv, params, gate, log)
		go func() {
			log.Info().Str("addr", cfg.WSBridgeAddr).Msg("websocket bridge listening")
			errCh <- bridge.Listen(ctx, cfg.WSBridgeAddr)
		}()
	}

	httpSrv := buildHTTPServer(cfg.HTTPAddr, met, srv)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("metrics/healthz http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("fatal component error")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = tcpTransport.Close()

	return nil
}

func buildHTTPServer(addr string, met *metrics.Metrics, srv *server.Server) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	mux.HandleFunc("/healthz", metrics.HealthzHandler(srv.SessionCount))

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

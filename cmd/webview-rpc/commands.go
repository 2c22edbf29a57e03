package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"webview-rpc/bridge"
	"webview-rpc/client"
	"webview-rpc/config"
	"webview-rpc/logger"
	"webview-rpc/middleware"
	"webview-rpc/registry"
	"webview-rpc/server"
)

const (
	publishTTL      = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Echo is the demo service.
type Echo struct{}

// Echo returns the payload unchanged.
func (e *Echo) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

// Size returns the payload length in decimal.
func (e *Echo) Size(ctx context.Context, payload []byte) ([]byte, error) {
	return []byte(strconv.Itoa(len(payload))), nil
}

// Sleep waits for the duration in the payload, such as "250ms", or until ctx ends.
func (e *Echo) Sleep(ctx context.Context, payload []byte) ([]byte, error) {
	d, err := time.ParseDuration(string(payload))
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(d):
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serveOptions are the per-connection settings of the serve command.
type serveOptions struct {
	registry       registry.Registry
	endpoint       string
	rate           float64       // requests per second, 0 for no limit
	retries        int           // retries of a rate-limited request
	handlerTimeout time.Duration // 0 for no limit
}

func setup(c *cli.Context) (*zap.Logger, *config.Config, error) {
	log, err := logger.New(c.String("log-level"))
	if err != nil {
		return nil, nil, err
	}
	cfg := config.New()
	if file := c.String("config"); file != "" {
		cfg, err = config.Load(file)
		if err != nil {
			return nil, nil, err
		}
	}
	return log, cfg, nil
}

func serveCmd(c *cli.Context) error {
	log, cfg, err := setup(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	var reg registry.Registry = registry.NewMemoryRegistry()
	if endpoints := c.StringSlice("etcd"); len(endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(endpoints, log)
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	opts := serveOptions{
		registry:       reg,
		endpoint:       c.String("endpoint"),
		rate:           c.Float64("rate"),
		retries:        c.Int("retries"),
		handlerTimeout: c.Duration("handler-timeout"),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade", zap.Error(err))
			return
		}
		ws := bridge.NewWebSocket(conn, log)
		go serveBridge(ws, cfg.Clone(), log, opts)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{Addr: c.String("addr"), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("serving", zap.String("addr", httpServer.Addr), zap.String("endpoint", opts.endpoint))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveBridge runs one Server for the lifetime of a WebSocket connection.
func serveBridge(ws *bridge.WebSocket, cfg *config.Config, log *zap.Logger, opts serveOptions) {
	defer ws.Close()

	svr := server.NewServer(ws, server.WithConfig(cfg), server.WithLogger(log))
	svr.Use(middleware.LoggingMiddleware(log))
	if opts.rate > 0 {
		if opts.retries > 0 {
			// One token interval between attempts
			interval := time.Duration(float64(time.Second) / opts.rate)
			svr.Use(middleware.RetryMiddleware(opts.retries, interval,
				middleware.TransientErrors(middleware.RateLimitError), log))
		}
		svr.Use(middleware.RateLimitMiddleware(opts.rate, int(opts.rate)+1))
	}
	if opts.handlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(opts.handlerTimeout))
	}
	if err := svr.RegisterReceiver(&Echo{}); err != nil {
		log.Error("register", zap.Error(err))
		return
	}
	if err := svr.Start(); err != nil {
		log.Error("start", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := svr.Publish(ctx, opts.registry, opts.endpoint, publishTTL); err != nil {
		log.Warn("publish", zap.Error(err))
	}
	cancel()

	<-ws.Done()
	if err := svr.Shutdown(shutdownTimeout); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}

func callCmd(c *cli.Context) error {
	log, cfg, err := setup(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	conn, _, err := websocket.DefaultDialer.DialContext(c.Context, c.String("url"), nil)
	if err != nil {
		return err
	}
	ws := bridge.NewWebSocket(conn, log)
	defer ws.Close()

	rpc := client.NewClient(ws, client.WithConfig(cfg), client.WithLogger(log))
	defer rpc.Close()
	if err := rpc.WaitReady(c.Context); err != nil {
		return err
	}

	payload := []byte(c.String("data"))
	if n := c.Int("size"); n > 0 {
		payload = make([]byte, n)
		for i := range payload {
			payload[i] = 'a' + byte(i%26)
		}
	}

	start := time.Now()
	resp, err := rpc.Call(c.Context, c.String("method"), payload)
	if err != nil {
		return err
	}
	preview := resp
	if len(preview) > 64 {
		preview = preview[:64]
	}
	fmt.Printf("%d bytes in %s: %q\n", len(resp), time.Since(start).Round(time.Microsecond), preview)
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/playscope/relay/cmd/config"
	"github.com/playscope/relay/lib/logger"
	"github.com/playscope/relay/lib/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		return 1
	}
	slogger.Info("relay configuration", "host", cfg.Host, "port", cfg.Port,
		"idle_policy", cfg.OnExtensionIdle, "auth", cfg.Token != "")

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rly := relay.New(relay.Config{
		Token:             cfg.Token,
		OnExtensionIdle:   idlePolicy(cfg.OnExtensionIdle),
		IdleGrace:         time.Duration(cfg.IdleGraceSeconds) * time.Second,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
	}, slogger)
	rly.OnShutdownRequest(stop)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctxWithLogger := logger.AddToContext(req.Context(), slogger)
				next.ServeHTTP(w, req.WithContext(ctxWithLogger))
			})
		},
	)
	r.Mount("/", rly.Handler())

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: r,
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		slogger.Error("failed to bind", "addr", srv.Addr, "err", err)
		return 1
	}

	go func() {
		slogger.Info("relay server starting", "addr", srv.Addr)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			slogger.Error("relay server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rly.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
		return 1
	}
	return 0
}

// loadConfig merges env configuration with CLI flags; flags win.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	host := fs.String("host", "", "bind address (overrides HOST)")
	port := fs.Int("port", 0, "bind port (overrides PORT)")
	token := fs.String("token", "", "auth token (overrides TOKEN)")
	replace := fs.Bool("replace", false, "shut down a prior instance on the same port before binding")

	// Tolerate a leading "serve" subcommand.
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *token != "" {
		cfg.Token = *token
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if *replace {
		replacePrior(cfg)
	}
	return cfg, nil
}

// replacePrior asks an instance already bound to our port to exit, then waits
// briefly for the port to free up. Best effort: a dead or absent prior
// instance is not an error.
func replacePrior(cfg *config.Config) {
	url := fmt.Sprintf("http://%s/shutdown", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return
	}
	if cfg.Token != "" {
		req.Header.Set("x-relay-token", cfg.Token)
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err != nil {
			return
		}
		conn.Close()
		time.Sleep(200 * time.Millisecond)
	}
}

func idlePolicy(s string) relay.IdlePolicy {
	if s == "wait" {
		return relay.IdleWait
	}
	return relay.IdleReject
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/retiarius"
	"github.com/absmach/retiarius/examples/simple"
	"github.com/absmach/retiarius/pkg/breaker"
	"github.com/absmach/retiarius/pkg/filter"
	"github.com/absmach/retiarius/pkg/handler"
	"github.com/absmach/retiarius/pkg/health"
	"github.com/absmach/retiarius/pkg/metrics"
	"github.com/absmach/retiarius/pkg/ratelimit"
	"github.com/absmach/retiarius/pkg/server/udp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time
var Version = "dev"

type flags struct {
	configPath      string
	listenPort      int
	serverAddr      string
	outgoingPort    int
	dropPercent     float64
	filterDirection string
	sessionTimeout  time.Duration
	maxSessions     int
	logLevel        string
}

// runFunc starts the relay with a validated configuration.
type runFunc func(ctx context.Context, cancel context.CancelFunc, cfg *retiarius.Config, logger *slog.Logger) error

func main() {
	if err := newRootCmd(run).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(run runFunc) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "retiarius",
		Short: "retiarius - UDP relay with per-client backend sockets",
		Long: `retiarius listens for UDP datagrams from any number of clients and
relays them to one backend server. Every client gets its own backend
socket, so replies find their way back to the client that caused them.

Datagrams can be dropped at random to simulate a lossy network.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			envLoaded := godotenv.Load() == nil

			cfg, err := retiarius.NewConfig(f.configPath, env.Options{})
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &f, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
			if !envLoaded {
				logger.Debug("no .env file found, using environment variables")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return run(ctx, cancel, cfg, logger)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file")
	fs.IntVarP(&f.listenPort, "listen-port", "i", 0, "Port to listen on for client datagrams")
	fs.StringVarP(&f.serverAddr, "server-addr", "s", "", "Backend server address (host:port, or a port on 127.0.0.1)")
	fs.IntVarP(&f.outgoingPort, "outgoing-port", "o", 0, "Backend server port on 127.0.0.1")
	fs.Float64VarP(&f.dropPercent, "drop-percent", "d", 0, "Chance in [0,1] of dropping each datagram")
	fs.StringVar(&f.filterDirection, "filter-direction", "", "Traffic the filters apply to: upstream, downstream or both")
	fs.DurationVar(&f.sessionTimeout, "session-timeout", 0, "Idle time after which a client session is evicted")
	fs.IntVar(&f.maxSessions, "max-sessions", 0, "Maximum concurrent client sessions (0 for unlimited)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.SetNormalizeFunc(func(fs *pflag.FlagSet, name string) pflag.NormalizedName {
		if name == "incoming-port" {
			name = "listen-port"
		}
		return pflag.NormalizedName(name)
	})
	cmd.MarkFlagsMutuallyExclusive("server-addr", "outgoing-port")

	return cmd
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(fs *pflag.FlagSet, f *flags, cfg *retiarius.Config) {
	if fs.Changed("listen-port") {
		cfg.ListenPort = f.listenPort
	}
	if fs.Changed("server-addr") {
		cfg.ServerAddr = f.serverAddr
	}
	if fs.Changed("outgoing-port") {
		cfg.ServerAddr = strconv.Itoa(f.outgoingPort)
	}
	if fs.Changed("drop-percent") {
		cfg.DropPercent = f.dropPercent
	}
	if fs.Changed("filter-direction") {
		cfg.FilterDirection = f.filterDirection
	}
	if fs.Changed("session-timeout") {
		cfg.SessionTimeout = f.sessionTimeout
	}
	if fs.Changed("max-sessions") {
		cfg.MaxSessions = f.maxSessions
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *retiarius.Config, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("retiarius", prometheus.DefaultRegisterer)

	f, limiter, err := buildFilters(cfg)
	if err != nil {
		return err
	}

	var h handler.Handler = simple.New(logger)
	if limiter != nil {
		defer limiter.Close()
		h = &RateLimitedHandler{handler: h, limiter: limiter}
	}

	var cb *breaker.CircuitBreaker
	if cfg.BreakerMaxFailures > 0 {
		cb = breaker.New(breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		})
		cb.OnStateChange(func(from, to breaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.CircuitBreakerState.Set(float64(to))
			if to == breaker.StateOpen {
				m.CircuitBreakerTrips.Inc()
			}
		})
	}

	server := udp.New(udp.Config{
		Address:          cfg.ListenAddress(),
		TargetAddress:    cfg.ServerAddress(),
		SessionTimeout:   cfg.SessionTimeout,
		SweepInterval:    cfg.SweepInterval,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		MaxSessions:      cfg.MaxSessions,
		BufferSize:       cfg.BufferSize,
		QueueSize:        cfg.QueueSize,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		FilterDirections: cfg.Directions(),
		Breaker:          cb,
		Metrics:          m,
		Logger:           logger,
	}, f, h)

	logger.Info("starting retiarius",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddress()),
		slog.String("server", cfg.ServerAddress()),
		slog.Float64("drop_percent", cfg.DropPercent),
		slog.String("filter_direction", cfg.Directions().String()))

	g.Go(func() error {
		return server.Listen(ctx)
	})

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", cfg.MetricsPort, mux, logger)
		})
	}

	if cfg.HealthPort > 0 {
		checker := health.NewChecker(0)
		checker.Register("client_pump", health.Ping(server))
		checker.RegisterOptional("sessions", health.Headroom(server.SessionCount, cfg.MaxSessions))
		g.Go(func() error {
			return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(), logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("retiarius terminated with error: %s", err))
		return err
	}
	logger.Info("retiarius stopped")
	return nil
}

// buildFilters composes the configured filters. The limiter backing the
// rate limit filter is returned so its buckets can be released; it is nil
// when rate limiting is off.
func buildFilters(cfg *retiarius.Config) (filter.Filter, *ratelimit.Limiter, error) {
	var filters []filter.Filter
	var limiter *ratelimit.Limiter

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst == 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		limiter = ratelimit.NewLimiter(cfg.RateLimit, burst, 0)
		filters = append(filters, filter.NewRateLimit(limiter))
	}

	if cfg.DropPercent > 0 {
		drop, err := filter.NewDropChance(cfg.DropPercent)
		if err != nil {
			if limiter != nil {
				limiter.Close()
			}
			return nil, nil, err
		}
		filters = append(filters, drop)
	}

	return filter.Compose(filters...), limiter, nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(port)),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

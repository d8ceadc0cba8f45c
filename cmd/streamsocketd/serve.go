package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/streamsocket"
	"github.com/Zereker/streamsocket/internal/config"
	"github.com/Zereker/streamsocket/internal/wsconn"
)

const (
	// matchTimeout bounds how long a new connection may stay silent before it
	// is treated as a stream socket client.
	matchTimeout    = time.Second
	shutdownTimeout = 5 * time.Second
)

type serveFlags struct {
	configPath    string
	addr          string
	archive       string
	archiveSign   string
	record        bool
	recovery      bool
	logLevel      string
	logFormat     string
	deleteArchive bool
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server. Stream socket clients, HTTP and websockets share one
port: /metrics exposes prometheus metrics, /healthz reports the archive
state and the websocket path carries the stream protocol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, flags.deleteArchive, logger)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "Listen address")
	cmd.Flags().StringVar(&flags.archive, "archive", "", "Archive file path")
	cmd.Flags().StringVar(&flags.archiveSign, "archive-sign", "", "Signature of the archive to resume")
	cmd.Flags().BoolVar(&flags.record, "record", true, "Archive the data channel")
	cmd.Flags().BoolVar(&flags.recovery, "recovery", false, "Repair a damaged archive instead of failing")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")
	cmd.Flags().BoolVar(&flags.deleteArchive, "delete-archive", false, "Delete the archive on shutdown")

	return cmd
}

// resolveConfig loads the config file, if any, and applies the flags that were set.
func resolveConfig(cmd *cobra.Command, flags serveFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return config.Config{}, err
		}
	}

	set := cmd.Flags().Changed
	if set("addr") {
		cfg.Addr = flags.addr
	}
	if set("archive") {
		cfg.Archive = flags.archive
	}
	if set("archive-sign") {
		cfg.ArchiveSign = flags.archiveSign
	}
	if set("record") {
		cfg.Record = flags.record
	}
	if set("recovery") {
		cfg.Recovery = flags.recovery
	}
	if set("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if set("log-format") {
		cfg.LogFormat = flags.logFormat
	}
	return cfg, cfg.Validate()
}

func serve(ctx context.Context, cfg config.Config, deleteArchive bool, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := streamsocket.NewMetrics(cfg.MetricsNamespace, reg)
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}

	lc := net.ListenConfig{KeepAlive: cfg.KeepAlivePeriod}
	if !cfg.KeepAlive {
		lc.KeepAlive = -1
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.Addr)
	}

	mux := cmux.New(ln)
	mux.SetReadTimeout(matchTimeout)
	httpL := mux.Match(cmux.HTTP1Fast())
	streamL := mux.Match(cmux.Any())

	opts := append(cfg.ServerOptions(),
		streamsocket.ServerLoggerOption(logger),
		streamsocket.ServerMetricsOption(metrics),
		streamsocket.OnReadyOption(func(signature string) {
			logger.Info("relay ready", "addr", ln.Addr(), "signature", signature)
		}),
		streamsocket.OnArchiveClearedOption(func(signature string) {
			logger.Info("archive cleared", "signature", signature)
		}),
	)
	server, err := streamsocket.NewWithListener(sniffedListener{streamL}, opts...)
	if err != nil {
		_ = ln.Close()
		return err
	}

	httpServer := &http.Server{
		Handler:           newRouter(cfg, server, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// closing is set before the listeners go away, so the errors they return
	// afterwards are expected.
	var closing atomic.Bool
	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, groupCtx := errgroup.WithContext(serveCtx)
	group.Go(func() error {
		err := server.Serve(groupCtx)
		if closing.Load() || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		err := httpServer.Serve(httpL)
		if closing.Load() || errors.Is(err, http.ErrServerClosed) || errors.Is(err, cmux.ErrListenerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		err := mux.Serve()
		if closing.Load() {
			return nil
		}
		return err
	})

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-groupCtx.Done():
	}
	closing.Store(true)

	if err := server.CloseServer(deleteArchive); err != nil {
		logger.Warn("close server", "error", err)
	}
	// let the release queued by CloseServer run before the loop stops
	released := make(chan struct{})
	if server.Do(func() { close(released) }) {
		select {
		case <-released:
		case <-time.After(shutdownTimeout):
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	cancel()
	_ = ln.Close()
	return group.Wait()
}

// sniffedListener hands out the connections cmux already peeked at with the
// TCP connection underneath exposed through NetConn, so the server can tune it
// and half-close it.
type sniffedListener struct {
	net.Listener
}

func (l sniffedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if mc, ok := conn.(*cmux.MuxConn); ok {
		return sniffedConn{mc}, nil
	}
	return conn, nil
}

type sniffedConn struct {
	*cmux.MuxConn
}

// NetConn returns the connection cmux read the first bytes from.
func (c sniffedConn) NetConn() net.Conn {
	return c.MuxConn.Conn
}

func newRouter(cfg config.Config, server *streamsocket.Server, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":            "ok",
			"archive_signature": server.ArchiveSignature(),
			"archive_length":    server.ArchiveLength(),
		})
	})
	r.Get(cfg.WebsocketPath, wsconn.Handler(upgrader, logger, server.Accept))
	return r
}

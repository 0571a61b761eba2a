package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/lib/pq/oid"
	"github.com/spf13/cobra"

	wire "github.com/pgwireemu/pgwireemu"
	"github.com/pgwireemu/pgwireemu/internal/config"
	"github.com/pgwireemu/pgwireemu/internal/metrics"
)

var (
	listenAddr string
	maxConns   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wire-protocol test-fixture server",
	Long: `Start a pgwireemu server that accepts PostgreSQL wire-protocol
connections and answers every simple or extended query with a fixed demo
result set. It is meant as a starting point: embed this package and supply
your own wire.ParseFn to return whatever canned results your tests need.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "override listen.address from config")
	serveCmd.Flags().IntVar(&maxConns, "max-connections", 0, "override listen.max_connections from config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if listenAddr != "" {
		cfg.Listen.Address = listenAddr
	}

	if maxConns != 0 {
		cfg.Listen.MaxConnections = maxConns
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	collector := metrics.New()
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address, collector, logger)
	}

	options := []wire.OptionFn{
		wire.Version(cfg.Version),
		wire.BufferedMsgSize(cfg.Listen.MaxMessageSize),
		wire.MaxConnections(cfg.Listen.MaxConnections),
		wire.Observer(collector),
	}

	switch cfg.Auth.Method {
	case "cleartext":
		options = append(options, wire.SessionAuthStrategy(wire.ClearTextPassword(func(username, password string) (bool, error) {
			return username == cfg.Auth.Username && password == cfg.Auth.Password, nil
		})))
	case "md5":
		options = append(options, wire.SessionAuthStrategy(wire.MD5Password(
			func(username string) (string, bool, error) {
				return cfg.Auth.Password, username == cfg.Auth.Username, nil
			},
			wire.RandomMD5Salt,
		)))
	}

	if cfg.Listen.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCertFile, cfg.Listen.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS material: %w", err)
		}

		options = append(options, wire.TLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}}))
	}

	server, err := wire.NewServer(demoFixture, options...)
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	watcher, err := config.NewWatcher(cmd.Flags().Lookup("config").Value.String(), logger, func(reloaded *config.Config) {
		logger.Info("applying safe-to-reload config", slog.Int("max_connections", reloaded.Listen.MaxConnections))
		server.MaxConnections = reloaded.Listen.MaxConnections
	})
	if err == nil {
		defer watcher.Stop()
	}

	logger.Info("pgwireemu listening", slog.String("addr", cfg.Listen.Address))

	go func() {
		<-cmd.Context().Done()
		if cerr := server.Close(); cerr != nil {
			logger.Error("error closing server", slog.Any("error", cerr))
		}
	}()

	return server.ListenAndServe(cfg.Listen.Address)
}

func serveMetrics(addr string, collector *metrics.Collector, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	logger.Info("metrics listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server exited", slog.Any("error", err))
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

var demoColumns = wire.Columns{
	{Table: 0, Name: "id", Oid: oid.T_int4, Width: 4, Format: wire.TextFormat},
	{Table: 0, Name: "name", Oid: oid.T_text, Width: 256, Format: wire.TextFormat},
}

// demoFixture is the default wire.ParseFn used by the serve command: it
// answers every query with the same two-row result set, regardless of the
// query text. Embed this package and supply a ParseFn of your own to serve
// fixtures that depend on the query or connection context.
func demoFixture(ctx context.Context, query string) (wire.PreparedStatements, error) {
	handler := func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
		if err := writer.Row([]any{int32(1), "alice"}); err != nil {
			return err
		}

		if err := writer.Row([]any{int32(2), "bob"}); err != nil {
			return err
		}

		return writer.Complete("SELECT 2")
	}

	return wire.Prepared(wire.NewStatement(handler, wire.WithColumns(demoColumns))), nil
}

package distributord

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"batchsettle/config"
	"batchsettle/core/events"
	"batchsettle/crypto"
	"batchsettle/observability"
	"batchsettle/observability/logging"
	telemetry "batchsettle/observability/otel"
)

// PassphraseFunc resolves the relayer keystore passphrase from envVar.
type PassphraseFunc func(envVar string) (string, error)

// Main initialises and runs the relayer daemon.
func Main(resolvePassphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "distributord.yaml", "path to distributord configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("BATCHSETTLE_ENV"))
	}
	logger := logging.Setup("distributord", env, logging.Options{Level: cfg.LogLevel})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "distributord",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	nodeCfg, err := config.Load(cfg.NodeConfig)
	if err != nil {
		return fmt.Errorf("load node config: %w", err)
	}
	passphrase := ""
	if nodeCfg.RelayerPassphraseEnv != "" {
		if resolvePassphrase == nil {
			return errors.New("relayer passphrase resolver not configured")
		}
		if passphrase, err = resolvePassphrase(nodeCfg.RelayerPassphraseEnv); err != nil {
			return err
		}
	}
	relayerKey, err := crypto.LoadFromKeystore(nodeCfg.RelayerKeystorePath, passphrase)
	if err != nil {
		return fmt.Errorf("unlock relayer keystore: %w", err)
	}
	relayer := relayerKey.Address()

	stream := NewEventStream(cfg.Stream)
	node, err := NewNode(context.Background(), nodeCfg, events.Fanout{stream}, logger)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Close()

	journal, err := OpenJournal(cfg.Journal.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	metrics := observability.Daemon()
	server, err := NewServer(Options{
		Engine:  node.Engine,
		Relayer: relayer,
		Journal: journal,
		Stream:  stream,
		Quotas:  node.Quotas,
		Quota:   node.Quota,
		Auth:    NewAuthenticator(cfg.Auth, logger),
		Limiter: NewRateLimiter(cfg.RateLimit, metrics),
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("distributord listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("relayer", relayer.Hex()),
			slog.String("vault", node.Engine.Vault().Hex()))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

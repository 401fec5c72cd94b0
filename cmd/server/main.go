package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/npezzotti/go-ephemeral-chat/internal/api"
	"github.com/npezzotti/go-ephemeral-chat/internal/auth"
	"github.com/npezzotti/go-ephemeral-chat/internal/config"
	"github.com/npezzotti/go-ephemeral-chat/internal/database"
	"github.com/npezzotti/go-ephemeral-chat/internal/registry"
	"github.com/npezzotti/go-ephemeral-chat/internal/roomstore"
	"github.com/npezzotti/go-ephemeral-chat/internal/server"
	"github.com/npezzotti/go-ephemeral-chat/internal/stats"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	shutdownTimeout   = 10 * time.Second
)

func defaultParams() config.Params {
	return config.Params{
		Addr:            config.DefaultAddr,
		RegistryDriver:  config.DefaultRegistryDriver,
		RegistryDSN:     config.DefaultRegistryDSN,
		DataDir:         config.DefaultDataDir,
		SigningKey:      defaultSigningKey,
		MaxMessageSize:  config.DefaultMaxMessageSize,
		RateLimitBurst:  config.DefaultRateLimitBurst,
		RateLimitWindow: config.DefaultRateLimitWindow,
		JanitorInterval: config.DefaultJanitorInterval,
		AuthTimeout:     config.DefaultAuthTimeout,
	}
}

func newRootCmd() *cobra.Command {
	var (
		flags      = defaultParams()
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "go-ephemeral-chat",
		Short:         "Ephemeral password-protected chat rooms over websockets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}

			p := defaultParams()
			if configPath != "" {
				if err := config.LoadFile(configPath, &p); err != nil {
					return err
				}
			}
			overlayFlags(cmd, &p, flags)

			if p.SigningKey == defaultSigningKey {
				logger.Warn().Msg("using the default signing key, set --signing-key outside development")
			}

			cfg, err := config.NewConfig(p)
			if err != nil {
				return errors.Wrap(err, "config")
			}

			return run(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "path to a YAML config file")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&flags.Addr, "addr", flags.Addr, "server address")
	f.StringVar(&flags.RegistryDriver, "registry-driver", flags.RegistryDriver, "room registry database driver (sqlite3 or postgres)")
	f.StringVar(&flags.RegistryDSN, "registry-dsn", flags.RegistryDSN, "room registry connection string")
	f.StringVar(&flags.DataDir, "data-dir", flags.DataDir, "directory holding the room databases")
	f.StringVar(&flags.SigningKey, "signing-key", flags.SigningKey, "base64 encoded signing key for room tokens")
	f.StringSliceVar(&flags.AllowedOrigins, "allowed-origins", nil, "comma-separated list of allowed origins for CORS and websockets")
	f.Int64Var(&flags.MaxMessageSize, "max-message-size", flags.MaxMessageSize, "maximum size of an inbound websocket frame in bytes")
	f.IntVar(&flags.RateLimitBurst, "rate-limit-burst", flags.RateLimitBurst, "messages a session may send in one burst")
	f.DurationVar(&flags.RateLimitWindow, "rate-limit-window", flags.RateLimitWindow, "window over which the burst is replenished")
	f.DurationVar(&flags.JanitorInterval, "janitor-interval", flags.JanitorInterval, "how often expired rooms are deleted")
	f.DurationVar(&flags.AuthTimeout, "auth-timeout", flags.AuthTimeout, "time a new session has to send its join frame")

	return cmd
}

// overlayFlags copies the flags set on the command line onto p.
func overlayFlags(cmd *cobra.Command, p *config.Params, flags config.Params) {
	changed := cmd.Flags().Changed
	if changed("addr") {
		p.Addr = flags.Addr
	}
	if changed("registry-driver") {
		p.RegistryDriver = flags.RegistryDriver
	}
	if changed("registry-dsn") {
		p.RegistryDSN = flags.RegistryDSN
	}
	if changed("data-dir") {
		p.DataDir = flags.DataDir
	}
	if changed("signing-key") {
		p.SigningKey = flags.SigningKey
	}
	if changed("allowed-origins") {
		p.AllowedOrigins = flags.AllowedOrigins
	}
	if changed("max-message-size") {
		p.MaxMessageSize = flags.MaxMessageSize
	}
	if changed("rate-limit-burst") {
		p.RateLimitBurst = flags.RateLimitBurst
	}
	if changed("rate-limit-window") {
		p.RateLimitWindow = flags.RateLimitWindow
	}
	if changed("janitor-interval") {
		p.JanitorInterval = flags.JanitorInterval
	}
	if changed("auth-timeout") {
		p.AuthTimeout = flags.AuthTimeout
	}
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, errors.Wrapf(err, "invalid log level %q", level)
	}

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	repo, err := database.NewRoomRepository(cfg.RegistryDriver, cfg.RegistryDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("registry close")
		}
	}()

	if err := repo.Migrate(); err != nil {
		return err
	}

	stores, err := roomstore.NewManager(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error().Err(err).Msg("room stores close")
		}
	}()

	reg := registry.New(repo, stores, auth.NewBcryptHasher(), logger)
	if err := reg.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover rooms")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux, logger)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	chatServer := server.NewChatServer(logger, reg, stores, auth.NewTokenIssuer(cfg.SigningKey),
		statsUpdater, server.OptionsFromConfig(cfg))

	srv := api.NewGoChatApp(mux, logger, chatServer, repo, cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(srv.Start)
	eg.Go(func() error {
		return chatServer.RunJanitor(egCtx)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := chatServer.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "chat server shutdown")
		}

		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Stderr.WriteString("go-ephemeral-chat: " + err.Error() + "\n")
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"lakesink/internal/app"
	"lakesink/internal/bootstrap"
	"lakesink/internal/config"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalFlags struct {
	envFile    string
	configFile string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "lakesink",
		Short:         "Land database change events as files in a data lake",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if flags.envFile == "" {
				return nil
			}
			// godotenv.Load never overrides variables already set in the environment.
			if err := godotenv.Load(flags.envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", flags.envFile, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "load environment variables from this .env file")
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "read settings from this YAML file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the change webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	})
	root.AddCommand(newPushCmd(flags))
	return root
}

func newPushCmd(flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Land a single change event read from a file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, sync, err := setup(flags)
			if err != nil {
				return err
			}
			defer sync()

			var body []byte
			if file == "" || file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := bootstrap.NewRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Cleanup()

			d, err := rt.Service.Land(ctx, app.Submission{Body: body})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s landed as %s (delivery %s)\n", d.Identifier, d.FileName, d.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "change event JSON file, - for stdin")
	return cmd
}

func setup(flags *globalFlags) (config.Config, logr.Logger, func(), error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return cfg, logr.Discard(), func() {}, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, logr.Discard(), func() {}, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.LogDebug {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLogger, err := zapCfg.Build()
	if err != nil {
		return cfg, logr.Discard(), func() {}, err
	}
	return cfg, zapr.NewLogger(zapLogger), func() { _ = zapLogger.Sync() }, nil
}

func serve(parent context.Context, flags *globalFlags) error {
	cfg, logger, sync, err := setup(flags)
	if err != nil {
		return err
	}
	defer sync()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	rt, err := bootstrap.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Cleanup()

	summary := cfg.Summary()
	logger.Info("startup config",
		"repository_mode", summary.RepositoryMode,
		"writer_backend", summary.WriterBackend,
		"file_prefix", summary.FilePrefix,
		"target", summary.Target,
		"notifier", summary.Notifier,
		"deliveries_api", summary.Deliveries,
		"dev_insecure", summary.DevInsecure,
		"oidc_enabled", summary.OIDCEnabled,
		"jwt_enabled", summary.JWTEnabled,
		"tls_enabled", summary.TLSEnabled,
		"auth_rate_limit", summary.AuthRateLimit,
	)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           rt.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.HTTPTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	var g run.Group
	g.Add(func() error {
		logger.Info("lakesink listening", "addr", cfg.Addr)
		var serveErr error
		if cfg.TLS.Enabled {
			serveErr = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}, func(error) {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "http server shutdown failed")
		}
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.Info("shutting down", "signal", sigErr.Signal.String())
		return nil
	}
	return err
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	go2tvadapters "go2tv.app/castsession/internal/adapters/go2tv"
	"go2tv.app/castsession/internal/ads"
	"go2tv.app/castsession/internal/buildinfo"
	"go2tv.app/castsession/internal/castbackend"
	"go2tv.app/castsession/internal/config"
	"go2tv.app/castsession/internal/diagnostics"
	"go2tv.app/castsession/internal/discovery"
	"go2tv.app/castsession/internal/dispatch"
	"go2tv.app/castsession/internal/lifecycle"
	"go2tv.app/castsession/internal/localplayer"
	"go2tv.app/castsession/internal/rpcserver"
	"go2tv.app/castsession/internal/session"
)

const serverName = "castsession"

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Go2TVAdapters struct {
		DiscoveryWired bool `json:"discovery_wired"`
		CastWired      bool `json:"cast_wired"`
	} `json:"go2tv_adapters"`
	LocalFormats []string                     `json:"local_formats"`
	Dependencies diagnostics.DependencyReport `json:"dependencies"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var selfTest, showVersion bool

	cmd := &cobra.Command{
		Use:           serverName,
		Short:         "Serve a local and Chromecast playback session over stdio",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version)
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			bundle := go2tvadapters.NewBundle()
			if selfTest {
				return writeSelfTest(cmd.OutOrStdout(), cfg, bundle)
			}
			return serve(cmd.Context(), cfg, bundle)
		},
	}
	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	cmd.Flags().BoolVar(&selfTest, "self-test", false, "run dependency and wiring diagnostics then exit")
	return cmd
}

func writeSelfTest(w io.Writer, cfg *config.Config, bundle go2tvadapters.Bundle) error {
	out := selfTestOutput{
		LocalFormats: localplayer.NewFactory(cfg.MPVPath, nil, nil).SupportedFormats(),
		Dependencies: diagnostics.DetectDependencies(cfg.MPVPath),
	}
	out.Server.Name = serverName
	out.Server.Version = buildinfo.Version
	out.Go2TVAdapters.DiscoveryWired = bundle.Discovery != nil
	out.Go2TVAdapters.CastWired = bundle.CastFactory != nil

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func serve(parent context.Context, cfg *config.Config, bundle go2tvadapters.Bundle) error {
	runCtx, stopSignals := signal.NotifyContext(parent, lifecycle.TerminationSignals()...)
	defer stopSignals()

	logger, level := cfg.NewLogger(os.Stderr)
	logger.Info(
		"mcp_server_start",
		slog.String("server", serverName),
		slog.String("version", buildinfo.Version),
		slog.String("log_level", level.String()),
	)

	loop := dispatch.New(cfg.DispatchQueue, logger)
	discoverySvc := discovery.NewService(bundle.Discovery, runCtx, cfg.DiscoveryTimeoutMS)
	srv := rpcserver.New(os.Stdin, os.Stdout, rpcserver.Config{
		ServerName:         serverName,
		ServerVersion:      buildinfo.Version,
		Logger:             logger,
		Dispatcher:         loop,
		Targets:            discoverySvc,
		DiscoveryTimeoutMS: cfg.DiscoveryTimeoutMS,
		EventRate:          cfg.EventRate,
	})
	controller := session.New(srv, session.Options{
		Locals: localplayer.NewFactory(cfg.MPVPath, loop, logger),
		Remotes: &castbackend.Factory{
			Resolver:     discoverySvc,
			Casts:        bundle.CastFactory,
			Poster:       loop,
			Logger:       logger,
			Attempts:     cfg.CastConnectAttempts,
			Backoff:      cfg.CastConnectBackoff,
			PollInterval: cfg.CastPollInterval,
		},
		Ads: &ads.Factory{
			Poster:           loop,
			Logger:           logger,
			FetchTimeout:     cfg.AdFetchTimeout,
			FetchRetries:     cfg.AdFetchRetries,
			ProgressInterval: cfg.AdProgressInterval,
		},
		Logger: logger,
	})
	srv.BindSession(controller)

	// The control thread outlives the server so the session can be destroyed
	// on it during shutdown.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		forwardBackgroundSignals(gctx, loop, controller, logger)
		return nil
	})

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- srv.Run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case <-runCtx.Done():
		runErr = runCtx.Err()
	}
	if runErr != nil {
		logger.Warn("mcp_server_stopping", slog.String("reason", runErr.Error()))
	} else {
		logger.Info("mcp_server_stopping", slog.String("reason", "clean_eof"))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := loop.Call(shutdownCtx, func() error {
		controller.Destroy()
		return nil
	}); err != nil {
		logger.Warn("session_destroy_failed", slog.String("error", err.Error()))
	}

	stopLoop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// forwardBackgroundSignals maps the platform's background/foreground signals
// onto RemovePlayer and RecoverPlayer.
func forwardBackgroundSignals(ctx context.Context, poster dispatch.Poster, controller *session.Controller, logger *slog.Logger) {
	background, foreground, ok := lifecycle.BackgroundSignals()
	if !ok {
		return
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, background, foreground)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			logger.Info("lifecycle_signal", slog.String("signal", sig.String()))
			if sig == background {
				poster.Post(controller.RemovePlayer)
			} else {
				poster.Post(controller.RecoverPlayer)
			}
		}
	}
}

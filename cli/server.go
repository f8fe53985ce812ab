package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/airgap-marketplace/api"
	"github.com/coder/airgap-marketplace/catalog"
	"github.com/coder/airgap-marketplace/config"
	"github.com/coder/airgap-marketplace/query"
	"github.com/coder/airgap-marketplace/store"
	"github.com/coder/airgap-marketplace/sync"
	"github.com/coder/airgap-marketplace/upstream"
)

// serverFlags binds a Config's fields to cmd's flags, following the
// teacher's addFlags/opts constructor pattern. It returns the flag-binding
// closure and the Config it will populate once the flags are parsed.
func serverFlags() (addFlags func(cmd *cobra.Command), cfg *config.Config) {
	cfg = config.Default()
	var qualities, platforms []string

	return func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&cfg.ArtifactRoot, "artifact-root", "", "The directory backing the artifact store (required).")
		cmd.Flags().StringVar(&cfg.BindAddress, "address", cfg.BindAddress, "The address on which to serve the marketplace API.")
		cmd.Flags().StringVar(&cfg.UpstreamReleaseURL, "upstream-release-url", cfg.UpstreamReleaseURL, "Base URL of the editor release manifest endpoint.")
		cmd.Flags().StringVar(&cfg.UpstreamMarketplaceURL, "upstream-marketplace-url", cfg.UpstreamMarketplaceURL, "Base URL of the marketplace query endpoint.")
		cmd.Flags().StringVar(&cfg.UpstreamRecommendationsURL, "upstream-recommendations-url", cfg.UpstreamRecommendationsURL, "Base URL of the recommendations endpoint.")
		cmd.Flags().IntVar(&cfg.MaxPageSize, "max-page-size", cfg.MaxPageSize, "Must be positive; the gallery API does not read it and accepts page sizes from 0 to 50.")
		cmd.Flags().IntVar(&cfg.RateLimitPerMinute, "rate-limit", cfg.RateLimitPerMinute, "Requests per minute per (IP, endpoint). A negative value disables the limit; 0 uses the default of 512.")
		cmd.Flags().DurationVar(&cfg.SyncInterval, "sync-interval", 0, "If set, run a sync pass in the background on this interval, starting immediately.")
		cmd.Flags().StringSliceVar(&qualities, "qualities", cfg.QualitiesEnabled, "Quality channels to mirror, e.g. stable,insider.")
		cmd.Flags().StringSliceVar(&platforms, "platforms", cfg.PlatformsEnabled, "Binary platform tags to mirror, e.g. linux-x64.")
		cmd.Flags().BoolVar(&cfg.IncludePreRelease, "include-pre-release", cfg.IncludePreRelease, "Resolve and serve pre-release extension versions by default.")
		cmd.Flags().StringVar(&cfg.LogDestination, "log-file", cfg.LogDestination, "Append logs to this file instead of stderr.")

		cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
			if len(qualities) > 0 {
				cfg.QualitiesEnabled = qualities
			}
			if len(platforms) > 0 {
				cfg.PlatformsEnabled = platforms
			}
			return cfg.Validate()
		}
	}, cfg
}

// cmdLogger builds the logger for a single command invocation. It writes to
// stderr unless --log-file names a destination, in which case logs are
// appended there instead.
func cmdLogger(cmd *cobra.Command) (slog.Logger, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	dest, _ := cmd.Flags().GetString("log-file")

	out := cmd.ErrOrStderr()
	if dest != "" {
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return slog.Logger{}, xerrors.Errorf("open log destination %q: %w", dest, err)
		}
		out = f
	}

	logger := slog.Make(sloghuman.Sink(out))
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger, nil
}

func server() *cobra.Command {
	addFlags, cfg := serverFlags()

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the Code extension marketplace's gallery API",
		Example: strings.Join([]string{
			"  marketplace server --artifact-root ./artifacts",
			"  marketplace server --artifact-root ./artifacts --sync-interval 1h",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			logger, err := cmdLogger(cmd)
			if err != nil {
				return err
			}

			notifyCtx, notifyStop := signal.NotifyContext(ctx, interruptSignals...)
			defer notifyStop()

			localStore, err := store.New(cfg.ArtifactRoot, logger)
			if err != nil {
				return xerrors.Errorf("open artifact store: %w", err)
			}

			index := store.NewIndex()
			index.Publish(store.BuildSnapshot(ctx, localStore))
			engine := query.NewEngine(index, logger)

			// A separate listener is required to get the resulting address (as
			// opposed to using http.ListenAndServe()).
			listener, err := net.Listen("tcp", cfg.BindAddress)
			if err != nil {
				return xerrors.Errorf("listen %q: %w", cfg.BindAddress, err)
			}
			defer listener.Close()
			tcpAddr, valid := listener.Addr().(*net.TCPAddr)
			if !valid {
				return xerrors.New("must be listening on tcp")
			}
			logger.Info(ctx, "started gallery API server", slog.F("address", tcpAddr))

			mapi := api.New(&api.Options{
				Store:     localStore,
				Engine:    engine,
				Logger:    logger,
				RateLimit: cfg.RateLimitPerMinute,
			})
			httpServer := &http.Server{
				Handler: mapi.Handler,
				BaseContext: func(_ net.Listener) context.Context {
					return ctx
				},
			}

			eg := errgroup.Group{}
			eg.Go(func() error {
				return httpServer.Serve(listener)
			})
			if cfg.SyncInterval > 0 {
				client := upstream.NewClient(cfg, logger)
				synchronizer := sync.New(sync.Options{
					Store:         localStore,
					Client:        client,
					Index:         index,
					Config:        cfg,
					Logger:        logger,
					ExtensionMode: catalog.ModeExtensionsRecommended,
				})
				eg.Go(func() error {
					return synchronizer.RunLoop(ctx, cfg.SyncInterval)
				})
			}
			errCh := make(chan error, 1)
			go func() {
				select {
				case errCh <- eg.Wait():
				default:
				}
			}()

			// Wait for an interrupt or error.
			var exitErr error
			select {
			case <-notifyCtx.Done():
				exitErr = notifyCtx.Err()
				logger.Info(ctx, "interrupt caught, gracefully exiting...")
			case exitErr = <-errCh:
			}
			if exitErr != nil && !errors.Is(exitErr, context.Canceled) {
				logger.Error(ctx, "unexpected error, shutting down server...", slog.Error(exitErr))
			}

			// Shut down the server.
			logger.Info(ctx, "shutting down gallery API server...")
			cancel() // Cancel in-flight requests since Shutdown() will not do this.
			timeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(timeout); err != nil {
				logger.Error(ctx, "API server shutdown took longer than 5s", slog.Error(err))
			} else {
				logger.Info(ctx, "gracefully shut down gallery API server")
			}

			return nil
		},
	}

	addFlags(cmd)

	return cmd
}

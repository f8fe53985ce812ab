package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"cdr.dev/slog"

	"github.com/coder/airgap-marketplace/catalog"
	"github.com/coder/airgap-marketplace/store"
	syncer "github.com/coder/airgap-marketplace/sync"
	"github.com/coder/airgap-marketplace/upstream"
)

func sync() *cobra.Command {
	addFlags, cfg := serverFlags()
	var (
		mode           string
		binariesOnly   bool
		extensionsOnly bool
		watch          bool
		interval       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync pass against upstream and exit",
		Example: strings.Join([]string{
			"  marketplace sync --artifact-root ./artifacts --mode recommended",
			"  marketplace sync --artifact-root ./artifacts --mode all --extensions-only",
			"  marketplace sync --artifact-root ./artifacts --watch --interval 1h",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := cmdLogger(cmd)
			if err != nil {
				return err
			}

			extMode, err := parseExtensionMode(mode)
			if err != nil {
				return err
			}
			if binariesOnly && extensionsOnly {
				return fmt.Errorf("--binaries-only and --extensions-only are mutually exclusive")
			}
			if watch && interval <= 0 {
				return fmt.Errorf("--watch requires --interval to be positive")
			}

			localStore, err := store.New(cfg.ArtifactRoot, logger)
			if err != nil {
				return fmt.Errorf("open artifact store: %w", err)
			}
			index := store.NewIndex()
			client := upstream.NewClient(cfg, logger)

			synchronizer := syncer.New(syncer.Options{
				Store:          localStore,
				Client:         client,
				Index:          index,
				Config:         cfg,
				Logger:         logger,
				ExtensionMode:  extMode,
				SkipBinaries:   extensionsOnly,
				SkipExtensions: binariesOnly,
			})

			if watch {
				notifyCtx, notifyStop := signal.NotifyContext(ctx, interruptSignals...)
				defer notifyStop()
				err := synchronizer.RunLoop(notifyCtx, interval)
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("sync loop: %w", err)
				}
				return nil
			}

			summary, err := synchronizer.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sync pass: %w", err)
			}

			// Per-item failures are reported in Summary and logged below;
			// they never set a non-zero exit code. Only a pass that could
			// not start at all (the err check above) does that.
			logger.Info(ctx, "sync pass complete",
				slog.F("succeeded", summary.Succeeded),
				slog.F("failed", summary.Failed),
				slog.F("bytes", summary.BytesTransferred))
			for _, itemErr := range summary.Errors {
				logger.Warn(ctx, "item failed", slog.Error(itemErr))
			}

			prog := mpb.New(mpb.WithOutput(cmd.ErrOrStderr()))
			bar := synchronizer.Pool().Progress().Bar(prog)
			synchronizer.Pool().Progress().Refresh(bar)
			prog.Wait()

			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "recommended", "Extension resolution mode: all, recommended, or specified.")
	cmd.Flags().BoolVar(&binariesOnly, "binaries-only", false, "Sync binary releases only, skipping extensions.")
	cmd.Flags().BoolVar(&extensionsOnly, "extensions-only", false, "Sync extensions only, skipping binary releases.")
	cmd.Flags().IntVar(&cfg.TotalRecommended, "total-recommended", cfg.TotalRecommended, "Bounds the optional top-K marketplace slice folded into the recommended set.")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running, syncing again on every --interval until interrupted.")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Period between passes when --watch is set.")
	addFlags(cmd)

	return cmd
}

func parseExtensionMode(mode string) (catalog.Mode, error) {
	switch strings.ToLower(mode) {
	case "all":
		return catalog.ModeExtensionsAll, nil
	case "recommended":
		return catalog.ModeExtensionsRecommended, nil
	case "specified":
		return catalog.ModeExtensionsSpecified, nil
	default:
		return 0, fmt.Errorf("unknown --mode %q: must be one of all, recommended, specified", mode)
	}
}

package cli

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coder/airgap-marketplace/query"
	"github.com/coder/airgap-marketplace/store"
)

// search is a read-only diagnostic command: it opens the artifact root
// exactly like server does, but answers a single query against stdout
// instead of starting a listener. Useful for checking what a sync pass
// actually published without standing up the gallery API.
func search() *cobra.Command {
	var (
		artifactRoot string
		pageSize     int
		pageNumber   int
		logFile      string
	)

	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search the artifact store's currently published extensions",
		Example: strings.Join([]string{
			"  marketplace search --artifact-root ./artifacts golang",
		}, "\n"),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := cmdLogger(cmd)
			if err != nil {
				return err
			}

			localStore, err := store.New(artifactRoot, logger)
			if err != nil {
				return fmt.Errorf("open artifact store: %w", err)
			}
			index := store.NewIndex()
			index.Publish(store.BuildSnapshot(ctx, localStore))
			engine := query.NewEngine(index, logger)

			filter := query.Filter{
				PageNumber: pageNumber,
				PageSize:   pageSize,
				SortBy:     query.SortInstallCount,
				SortOrder:  query.OrderDescending,
			}
			if len(args) == 1 && args[0] != "" {
				filter.Criteria = append(filter.Criteria, query.Criteria{
					Type:  query.FilterSearchText,
					Value: args[0],
				})
			}

			results, total, err := engine.Search(ctx, filter, query.FlagIncludeStatistics, url.URL{})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d total match(es)\n", total)
			for _, r := range results {
				version := "?"
				if len(r.Versions) > 0 {
					version = r.Versions[0].Version
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s.%s@%s  %s\n", r.Publisher.PublisherName, r.Name, version, r.DisplayName)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&artifactRoot, "artifact-root", "", "The directory backing the artifact store (required).")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "Number of results per page.")
	cmd.Flags().IntVar(&pageNumber, "page", 1, "Page number, starting at 1.")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Append logs to this file instead of stderr.")

	return cmd
}

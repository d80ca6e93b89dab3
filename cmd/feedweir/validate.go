package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/feedweir/feedweir/internal/adapter"
	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/store"
)

// validateCmd probes a thread's stored configuration: builds the
// adapter, fetches the newest page, and reports what it parsed.
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <thread-id>",
		Short: "Validate a thread's source configuration",
		Long: `Build the thread's adapter from its stored source config, probe the
feed, and print the newest page's parse result. Use this after editing
selectors to confirm they still match.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			threadID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid thread id %q", args[0])
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.Name)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close(ctx)

			th, err := st.GetThread(ctx, threadID)
			if err != nil {
				return fmt.Errorf("thread %d: %w", threadID, err)
			}
			src, err := st.GetSource(ctx, th.SourceID)
			if err != nil {
				return fmt.Errorf("source %d: %w", th.SourceID, err)
			}

			client := fetch.NewClient(cfg.Fetch, logger)
			ad, err := adapter.New(src, th, client, logger)
			if err != nil {
				return fmt.Errorf("build adapter: %w", err)
			}

			fmt.Printf("adapter: %s\n", ad.Name())
			if err := ad.Validate(ctx); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Println("probe: ok")

			info, err := ad.LatestPage(ctx)
			if err != nil {
				return fmt.Errorf("latest page: %w", err)
			}
			fmt.Printf("latest page: %d", info.LatestPage)
			if info.TotalItems > 0 {
				fmt.Printf(" (%d items)", info.TotalItems)
			}
			fmt.Println()

			page, err := ad.ScanPage(ctx, info.LatestPage)
			if err != nil {
				return fmt.Errorf("scan page %d: %w", info.LatestPage, err)
			}
			fmt.Printf("parsed %d items on page %d\n", len(page.Items), page.Page)
			for i, item := range page.Items {
				if i >= 5 {
					fmt.Printf("  ... and %d more\n", len(page.Items)-i)
					break
				}
				fmt.Printf("  [%s] %s %s by %s\n",
					item.MediaType, item.ExternalID,
					item.PostedAt.Format(time.RFC3339), item.Author)
			}
			return nil
		},
	}
}

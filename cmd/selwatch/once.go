package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/selwatch"
)

func onceCmd(logger func() *slog.Logger) *cobra.Command {
	var (
		url       string
		selectors []string
		stealth   string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Watch one page and print arrivals as JSON lines",
		Long: `Watch one URL for the given selectors and print every arrival batch to
stdout until the timeout or an interrupt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" || len(selectors) == 0 {
				return errors.New("--url and at least one --selector are required")
			}
			for _, s := range selectors {
				if err := selwatch.ValidateSelector(s); err != nil {
					return err
				}
			}

			cfg, err := selwatch.ParseConfig([]byte("{}"))
			if err != nil {
				return err
			}
			page := selwatch.PageConfig{ID: url, URL: url, StealthLevel: stealth}
			for _, s := range selectors {
				page.Watches = append(page.Watches, selwatch.WatchConfig{ID: s, Selector: s})
			}
			cfg.Pages = []selwatch.PageConfig{page}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			w := selwatch.New(cfg, logger(), []selwatch.Sink{selwatch.NewStdoutSink(cmd.OutOrStdout())})
			if err := w.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			w.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page URL")
	cmd.Flags().StringArrayVar(&selectors, "selector", nil, "CSS selector to watch (repeatable)")
	cmd.Flags().StringVar(&stealth, "stealth", "auto", "stealth level: 0, 1, 2 or auto")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "stop after this long")
	return cmd
}

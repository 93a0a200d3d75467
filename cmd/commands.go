package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/estensen/nft-sales-pipeline/internal/analytics"
	"github.com/estensen/nft-sales-pipeline/internal/api"
	"github.com/estensen/nft-sales-pipeline/internal/metrics"
	"github.com/estensen/nft-sales-pipeline/internal/utils"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nft-sales",
		Short:        "Incremental NFT sales ingestion and analytics",
		SilenceUsage: true,
	}

	root.AddCommand(
		newIngestCmd(),
		newServeCmd(),
		newRecentCmd(),
		newSalesCmd(),
		newAnalyticsCmd(),
	)
	return root
}

// withApp builds the shared components for the duration of a command.
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a)
}

func newIngestCmd() *cobra.Command {
	var (
		all        bool
		showRecent bool
	)
	cmd := &cobra.Command{
		Use:   "ingest [project-id...]",
		Short: "Fetch and store new sales for the given projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name at least one project id or pass --all")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ids := args
				if all {
					ids = a.projects.IDs()
				}

				results, runErr := a.coordinator().IngestAll(ctx, ids)
				out := cmd.OutOrStdout()
				utils.DisplayResults(out, results)

				if showRecent {
					inserted := 0
					for _, res := range results {
						inserted += res.Inserted
					}
					recent, err := a.db.Sales().QueryMostRecent(ctx, inserted)
					if err != nil {
						return errors.Join(runErr, err)
					}
					utils.DisplaySales(out, recent, a.projects)
				}
				return runErr
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "ingest every project of the catalog")
	cmd.Flags().BoolVar(&showRecent, "show", false, "print the sales stored by this run")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the sales API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				metrics.Register(reg)

				deps := api.Deps{
					Projects: a.projects,
					Ingester: a.coordinator(),
					Sales:    a.db.Sales(),
					Gatherer: reg,
				}

				warehouse, closeWarehouse, err := a.warehouse(ctx)
				switch {
				case errors.Is(err, analytics.ErrDisabled):
					a.log.Info("ClickHouse not configured, analytics endpoint disabled")
				case err != nil:
					return err
				default:
					defer closeWarehouse()
					deps.Volumes = warehouse
				}

				server := api.New(a.log.With(slog.String("component", "api")), deps)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return server.Start(a.cfg.Addr())
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					a.log.Info("shutting down API server")
					return server.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
}

func newRecentCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the most recently stored sales",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sales, err := a.db.Sales().QueryMostRecent(ctx, n)
				if err != nil {
					return err
				}
				utils.DisplaySales(cmd.OutOrStdout(), sales, a.projects)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 10, "number of sales to print")
	return cmd
}

func newSalesCmd() *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "sales <project-id>",
		Short: "Print a project's stored sales within a time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			if until != "" {
				t, err := parseDate(until)
				if err != nil {
					return fmt.Errorf("invalid --until: %w", err)
				}
				end = t
			}
			start := end.Add(-7 * 24 * time.Hour)
			if since != "" {
				t, err := parseDate(since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				start = t
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				sales, err := a.db.Sales().QueryByProjectAndRange(ctx, args[0], start, end)
				if err != nil {
					return err
				}
				utils.DisplaySales(cmd.OutOrStdout(), sales, a.projects)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "start of the range (YYYY-MM-DD or RFC 3339), default a week before --until")
	cmd.Flags().StringVar(&until, "until", "", "end of the range, exclusive (YYYY-MM-DD or RFC 3339), default now")
	return cmd
}

func newAnalyticsCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Load a day's sales volume into ClickHouse and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			day := time.Now().UTC().Add(-24 * time.Hour)
			if date != "" {
				t, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				day = t
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				warehouse, closeWarehouse, err := a.warehouse(ctx)
				if err != nil {
					return err
				}
				defer closeWarehouse()

				archive, err := a.archive(ctx)
				if err != nil {
					return err
				}

				_, err = a.batchJob(warehouse, archive).Run(ctx, day)
				switch {
				case errors.Is(err, analytics.ErrAlreadyLoaded):
					a.log.Info("daily volume already loaded, skipping batch", slog.String("date", day.Format(time.DateOnly)))
				case err != nil:
					return err
				}

				volumes, err := warehouse.FetchMetrics(ctx, day.Truncate(24*time.Hour))
				if err != nil {
					return err
				}
				utils.DisplayMetrics(cmd.OutOrStdout(), volumes)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day to process (YYYY-MM-DD), default yesterday")
	return cmd
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

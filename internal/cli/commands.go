package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evanofslack/cddns/internal/inventory"
	"github.com/evanofslack/cddns/internal/metrics"
	"github.com/evanofslack/cddns/internal/provider"
	"github.com/evanofslack/cddns/internal/reconcile"
	"github.com/evanofslack/cddns/internal/scheduler"
)

func (a *app) verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the API token is valid and active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dp, err := a.provider()
			if err != nil {
				return err
			}
			if err := dp.VerifyAuth(cmd.Context()); err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token is valid and active.")
			return nil
		},
	}
}

func (a *app) listCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the provider's current state of the managed records",
		Long: "Show the provider's current state of the managed records.\n\n" +
			"With --all, list every A and AAAA record of every zone the token can access,\n" +
			"narrowed by the list.include_* and list.ignore_* patterns.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dp, err := a.provider()
			if err != nil {
				return err
			}
			if all {
				return a.listAll(cmd.Context(), cmd, dp)
			}
			inv, err := a.inventory()
			if err != nil {
				return err
			}
			return a.listManaged(cmd.Context(), cmd, dp, inv)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every record instead of only managed ones")
	return cmd
}

func (a *app) listManaged(ctx context.Context, cmd *cobra.Command, dp provider.Provider, inv *inventory.Inventory) error {
	remote := make(map[inventory.Key][]provider.Record)
	zoneErrs := make(map[string]error)
	for _, zone := range inv.Zones() {
		records, err := dp.ListRecords(ctx, zone)
		if err != nil {
			zoneErrs[zone] = err
			continue
		}
		for _, r := range records {
			key := inventory.NewKey(r.Zone, r.Name, r.Type)
			remote[key] = append(remote[key], r)
		}
	}
	if len(zoneErrs) == len(inv.Zones()) && len(zoneErrs) > 0 {
		return fmt.Errorf("list records: %w", errors.Join(mapValues(zoneErrs)...))
	}

	renderManaged(cmd.OutOrStdout(), inv.Records(), remote, zoneErrs)
	if len(zoneErrs) > 0 {
		return &exitError{code: ExitFailed}
	}
	return nil
}

func (a *app) listAll(ctx context.Context, cmd *cobra.Command, dp provider.Provider) error {
	filter, err := provider.NewFilter(a.cfg.List.IncludeZones, a.cfg.List.IgnoreZones, a.cfg.List.IncludeRecords, a.cfg.List.IgnoreRecords)
	if err != nil {
		return err
	}
	zones, err := dp.Zones(ctx)
	if err != nil {
		return fmt.Errorf("list zones: %w", err)
	}

	var records []provider.Record
	for _, zone := range zones {
		if !filter.Zone(zone) {
			continue
		}
		zoneRecords, err := dp.ListRecords(ctx, zone.ID)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		for _, r := range zoneRecords {
			if filter.Record(r) {
				records = append(records, r)
			}
		}
	}
	renderRecords(cmd.OutOrStdout(), records)
	return nil
}

func (a *app) engine() (*reconcile.Engine, error) {
	inv, err := a.inventory()
	if err != nil {
		return nil, err
	}
	dp, err := a.provider()
	if err != nil {
		return nil, err
	}
	resolver, err := a.newResolver(a.cfg, a.metrics)
	if err != nil {
		return nil, err
	}
	return reconcile.NewEngine(inv, dp, resolver,
		reconcile.WithConcurrency(a.cfg.Provider.Concurrency),
		reconcile.WithMetrics(a.metrics),
	), nil
}

func (a *app) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Show the changes a run would make, without applying them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.once(cmd, reconcile.Check)
		},
	}
}

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Apply the changes needed to bring managed records up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.once(cmd, reconcile.Apply)
		},
	}
}

func (a *app) once(cmd *cobra.Command, mode reconcile.Mode) error {
	engine, err := a.engine()
	if err != nil {
		return err
	}
	result, err := engine.Run(cmd.Context(), mode)
	renderResult(cmd.OutOrStdout(), result)
	if err != nil {
		return fmt.Errorf("%s: %w", mode, err)
	}
	if result.Status != reconcile.Successful {
		return &exitError{code: ExitFailed}
	}
	return nil
}

func (a *app) watchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep managed records up to date until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd)
		},
	}
	cmd.Flags().Int64("interval", 0, "milliseconds between the end of one pass and the start of the next")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	return cmd
}

func (a *app) watch(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Watch.MetricsAddr != "" {
		a.metrics = metrics.New(true)
		server := a.serveMetrics(a.cfg.Watch.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Metrics server shutdown error", "error", err)
			}
		}()
	}

	engine, err := a.engine()
	if err != nil {
		return err
	}
	s, err := scheduler.New(engine, a.cfg.Watch.Interval())
	if err != nil {
		return err
	}

	slog.Info("Starting watch", "interval", s.Interval(), "inventory", a.cfg.Inventory.Path)
	for result := range s.Watch(ctx) {
		renderPass(cmd.OutOrStdout(), result)
	}
	slog.Info("Shutdown signal received, watch complete")
	return nil
}

func (a *app) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return server
}

func (a *app) inventoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Inspect the inventory of managed records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the managed records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := a.inventory()
			if err != nil {
				return err
			}
			renderInventory(cmd.OutOrStdout(), inv.Records())
			return nil
		},
	})
	return cmd
}

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after applying flags, environment and file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), a.cfg.String())
			return nil
		},
	})
	return cmd
}

func mapValues(m map[string]error) []error {
	values := make([]error, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	return values
}

// trafficgov — per-tenant traffic accounting and bandwidth throttling.
// Author: vesaa | License: MIT | https://github.com/vesaa/trafficgov
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/enforce"
	"github.com/vesaa/trafficgov/internal/scheduler"
	"github.com/vesaa/trafficgov/internal/server"
	"github.com/vesaa/trafficgov/internal/tenant"
	"github.com/vesaa/trafficgov/internal/throttle"
	"github.com/vesaa/trafficgov/internal/traffic"
	"github.com/vesaa/trafficgov/internal/uplink"
)

const asciiLogo = `
 ▀█▀ █▀█ ▄▀█ █▀▀ █▀▀ █ █▀▀ █▀▀ █▀█ █ █
  █  █▀▄ █▀█ █▀  █▀  █ █▄▄ █▄█ █▄█ ▀▄▀
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo + "\n")
	fmt.Printf("  ► trafficgov %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "trafficgov",
		Short: "trafficgov — per-tenant traffic accounting and throttling",
		Long: `trafficgov measures per-tenant network usage from sample logs, throttles
tenants over their monthly limit, and keeps the iptables marking rules and the
FireQOS shaper in step with that decision.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Config file (default: ./config.yaml, ~/.trafficgov, /etc/trafficgov)")

	// ── aggregate subcommand ──────────────────────────────────────────────────
	aggregateCmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Fold sample logs into traffic snapshots (one worker per tenant)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			g, err := a.governor(nil, false)
			if err != nil {
				return err
			}
			names, _ := cmd.Flags().GetStringSlice("tenant")
			if len(names) == 0 {
				if names, err = g.Tenants(); err != nil {
					return err
				}
			}

			results := g.DispatchAggregation(cmd.Context(), g.Counters(names)).Wait()
			counters := make([]string, 0, len(results))
			for c := range results {
				counters = append(counters, c)
			}
			sort.Strings(counters)
			failed := 0
			for _, c := range counters {
				if err := results[c]; err != nil {
					failed++
					fmt.Printf("  ✗ %-20s %v\n", c, err)
					continue
				}
				fmt.Printf("  ✓ %s\n", c)
			}
			fmt.Printf("\n  %d aggregated, %d skipped\n", len(counters)-failed, failed)
			return nil
		},
	}
	aggregateCmd.Flags().StringSlice("tenant", nil, "Only aggregate these tenants (default: whole roster)")

	// ── enforce subcommand ────────────────────────────────────────────────────
	enforceCmd := &cobra.Command{
		Use:   "enforce",
		Short: "Evaluate throttle state and apply the ruleset and shaper config",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			printOnly, _ := cmd.Flags().GetBool("print")
			var enf enforce.Enforcer = &enforce.Printer{W: os.Stdout}
			if !printOnly {
				if enf, err = a.enforcer(); err != nil {
					return err
				}
			}
			g, err := a.governor(enf, !printOnly)
			if err != nil {
				return err
			}

			rep, err := g.Enforce(cmd.Context())
			if rep != nil && !printOnly {
				for _, d := range rep.Decisions {
					fmt.Printf("  • %-20s %-8s %s / %gGiB\n", d.Tenant, d.Action, traffic.FormatMiB(d.UsageMiB), d.LimitGiB)
				}
				for name, ferr := range rep.Failed {
					fmt.Printf("  ✗ %-20s %v\n", name, ferr)
				}
				fmt.Printf("\n  ✓ %d throttled, %d marks, %d rules\n", rep.Throttled, len(rep.Marks), rep.RuleCount)
			}
			return err
		},
	}
	enforceCmd.Flags().Bool("print", false, "Print the ruleset and shaper config instead of applying them (throttle state is still updated)")

	// ── daemon subcommand ─────────────────────────────────────────────────────
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run both cycles on their schedules and serve the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("DAEMON")
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			enf, err := a.enforcer()
			if err != nil {
				return err
			}
			g, err := a.governor(enf, true)
			if err != nil {
				return err
			}
			api, err := a.api(g)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := scheduler.New(ctx, scheduler.Deps{
				Aggregation:   g,
				Enforcement:   g,
				AggregateSpec: a.cfg.AggregateSchedule,
				EnforceSpec:   a.cfg.EnforceSchedule,
				Location:      time.Local,
			}, a.logger)
			if err != nil {
				return err
			}
			c.Start()
			defer func() { <-c.Stop().Done() }()

			fmt.Printf("  ✓ Aggregation schedule → %s\n", a.cfg.AggregateSchedule)
			fmt.Printf("  ✓ Enforcement schedule → %s\n", a.cfg.EnforceSchedule)
			return serveAPI(ctx, a.cfg.ServerHost, a.cfg.ServerPort, api, a.logger)
		},
	}

	// ── serve subcommand ──────────────────────────────────────────────────────
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API only",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("API")
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			g, err := a.governor(nil, false)
			if err != nil {
				return err
			}
			api, err := a.api(g)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveAPI(ctx, a.cfg.ServerHost, a.cfg.ServerPort, api, a.logger)
		},
	}

	// ── limit subcommands ─────────────────────────────────────────────────────
	limitCmd := &cobra.Command{
		Use:   "limit",
		Short: "Manage monthly traffic limits (GiB)",
	}
	limitSetCmd := &cobra.Command{
		Use:   "set <tenant> <GiB>",
		Short: "Set a tenant's monthly limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := limitStore(cmd, args[0])
			if err != nil {
				return err
			}
			gib, err := strconv.ParseFloat(args[1], 64)
			if err != nil || gib < 0 {
				return fmt.Errorf("limit must be a non-negative number of GiB, got %q", args[1])
			}
			if err := limits.Set(args[0], gib); err != nil {
				return err
			}
			fmt.Printf("  ✓ %s limited to %gGiB per month\n", args[0], gib)
			return nil
		},
	}
	limitUnsetCmd := &cobra.Command{
		Use:   "unset <tenant>",
		Short: "Remove a tenant's limit (tenant is never throttled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := limitStore(cmd, args[0])
			if err != nil {
				return err
			}
			if err := limits.Unset(args[0]); err != nil {
				return err
			}
			fmt.Printf("  ✓ %s has no limit\n", args[0])
			return nil
		},
	}
	limitShowCmd := &cobra.Command{
		Use:   "show <tenant>",
		Short: "Print a tenant's limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := limitStore(cmd, args[0])
			if err != nil {
				return err
			}
			gib, err := limits.Get(args[0])
			if err != nil {
				return err
			}
			if gib <= 0 {
				fmt.Printf("%s: no limit\n", args[0])
				return nil
			}
			fmt.Printf("%s: %gGiB\n", args[0], gib)
			return nil
		},
	}
	limitCmd.AddCommand(limitSetCmd, limitUnsetCmd, limitShowCmd)

	// ── status subcommand ─────────────────────────────────────────────────────
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show throttle state, usage and limit per tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			g, err := a.governor(nil, false)
			if err != nil {
				return err
			}
			rows, err := g.Status()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TENANT\tSTATE\tSINCE\tMONTH\tLIMIT\tNOTE")
			for _, r := range rows {
				since, limit := "-", "-"
				if r.State == throttle.StateThrottled {
					since = r.Since.Format(time.DateTime)
				}
				if r.LimitGiB > 0 {
					limit = strconv.FormatFloat(r.LimitGiB, 'f', -1, 64) + "GiB"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Tenant, r.State, since, r.Usage, limit, r.Note)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if iface, _, err := uplink.Resolve(a.cfg.Uplink, a.cfg.LinkSpeed); err == nil {
				if c, err := uplink.ReadCounters(iface); err == nil {
					fmt.Printf("\n  uplink %s: %s sent, %s received since boot\n",
						iface, traffic.FormatMiB(float64(c.BytesSent)/(1<<20)), traffic.FormatMiB(float64(c.BytesRecv)/(1<<20)))
				}
			}
			return nil
		},
	}

	// ── hash-password subcommand ──────────────────────────────────────────────
	hashCmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for admin_pass_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("empty password")
			}
			hash, err := server.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print trafficgov version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trafficgov %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(aggregateCmd, enforceCmd, daemonCmd, serveCmd, limitCmd, statusCmd, hashCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// limitStore validates the tenant name and opens the configured limit store.
func limitStore(cmd *cobra.Command, name string) (*throttle.LimitStore, error) {
	if !tenant.ValidName(name) {
		return nil, fmt.Errorf("invalid tenant name %q", name)
	}
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return throttle.NewLimitStore(a.cfg.LimitsDir), nil
}

// serveAPI runs the status API until ctx is cancelled.
func serveAPI(ctx context.Context, host string, port int, api *server.Server, logger *zap.Logger) error {
	gin.SetMode(gin.ReleaseMode)
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: api.Engine(), ReadHeaderTimeout: 10 * time.Second}
	fmt.Printf("  ✓ Status API (JWT) → http://%s\n\n", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		fmt.Println("\n  → Shutting down gracefully…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown", zap.Error(err))
		}
		return nil
	}
}

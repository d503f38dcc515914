// Package main provides the clarity CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/orchestrator"
	"github.com/rahul/clarity/internal/plan"
	"github.com/rahul/clarity/pkg/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	version    = "0.1.0"
	configPath string
	tradeDate  string
	lookBack   int
	quiet      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clarity",
		Short: "Planning-with-files research sessions for equities",
		Long: `clarity runs multi-phase research sessions. Each session keeps its plan,
findings and progress log in the document store and mirrors them as markdown
planning files in the workspace.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Path to the JSON config file")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Do not print the banner")

	rootCmd.AddCommand(
		sessionCmd("analyze <ticker>", "Run a full stock analysis", plan.TaskStockAnalysis),
		sessionCmd("track <investor>", "Track an investor's portfolio holdings", plan.TaskHoldingsTracking),
		sessionCmd("screen <criteria>", "Screen stocks against criteria", plan.TaskStockScreening),
		dashboardCmd(),
		askCmd(),
		resumeCmd(),
		sessionsCmd(),
		daemonCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads config, builds the app and runs fn under a signal-aware context.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&tradeDate, "trade-date", "d", "", "Trade date YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&lookBack, "look-back", 0, "Look-back window in days (default from config)")
}

func sessionOptions() (orchestrator.Options, error) {
	if tradeDate != "" {
		if _, err := time.Parse("2006-01-02", tradeDate); err != nil {
			return orchestrator.Options{}, fmt.Errorf("invalid trade date %q: want YYYY-MM-DD", tradeDate)
		}
	}
	if lookBack < 0 {
		return orchestrator.Options{}, fmt.Errorf("look-back must not be negative")
	}
	return orchestrator.Options{TradeDate: tradeDate, LookBackDays: lookBack}, nil
}

func sessionCmd(use, short string, taskType plan.TaskType) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sessionOptions()
			if err != nil {
				return err
			}
			target := strings.Join(args, " ")
			return withApp(func(ctx context.Context, a *app) error {
				printBanner()
				observability.PrintSessionHeader(os.Stdout, taskType, target)
				return finish(a.orchestrator.RunSession(ctx, taskType, target, opts))
			})
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func dashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard [market]",
		Short: "Run the daily market dashboard scan",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sessionOptions()
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				market := a.cfg.Scheduler.DashboardTarget
				if len(args) == 1 {
					market = strings.ToUpper(args[0])
				}
				printBanner()
				observability.PrintSessionHeader(os.Stdout, plan.TaskDashboardScan, market)
				return finish(a.orchestrator.RunSession(ctx, plan.TaskDashboardScan, market, opts))
			})
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Run the session a natural language request describes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sessionOptions()
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			return withApp(func(ctx context.Context, a *app) error {
				printBanner()
				fmt.Printf("Processing query: %s\n", query)
				return finish(a.orchestrator.RunFromQuery(ctx, query, opts))
			})
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Continue an interrupted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				printBanner()
				return finish(a.orchestrator.Resume(ctx, args[0]))
			})
		},
	}
}

func sessionsCmd() *cobra.Command {
	var unfinished bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				list := a.orchestrator.Sessions
				if unfinished {
					list = a.orchestrator.Unfinished
				}
				plans, err := list(ctx)
				if err != nil {
					return err
				}
				if len(plans) == 0 {
					fmt.Println("No sessions found")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
				fmt.Fprintln(w, "TASK ID\tTYPE\tTARGET\tSTATUS\tPHASES\tUPDATED")
				for _, p := range plans {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						p.TaskID, p.TaskType, truncate(p.Target, 30), p.OverallStatus(),
						len(p.Phases), p.UpdatedAt.Local().Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&unfinished, "unfinished", "u", false, "Only sessions that are neither resolved nor aborted")
	return cmd
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Resume unfinished sessions and run scheduled dashboard scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				printBanner()

				s := orchestrator.NewScheduler(a.orchestrator)
				if d := a.cfg.Scheduler.Interval.Duration; d > 0 {
					s.Interval = d
				}
				s.ResumeUnfinished = a.cfg.Scheduler.ResumeUnfinished
				s.DashboardEvery = a.cfg.Scheduler.DashboardEvery.Duration
				if a.cfg.Scheduler.DashboardTarget != "" {
					s.DashboardTarget = a.cfg.Scheduler.DashboardTarget
				}
				s.OnResult = func(res *plan.SessionResult) {
					log.Printf("Session %s (%s %s) ended %s", res.TaskID, res.TaskType, res.Target, res.Status)
				}

				if term.IsTerminal(int(os.Stdout.Fd())) {
					go liveStatus(ctx, a.tracker)
				}
				s.Start(ctx)
				log.Println("[ EXIT ] scheduler drained, goodbye.")
				return nil
			})
		},
	}
}

// liveStatus redraws the status line once a second.
func liveStatus(ctx context.Context, tracker *observability.Tracker) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	frame := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-ticker.C:
			fmt.Printf("\r\033[K%s", observability.StatusLine(tracker, frame))
			frame++
		}
	}
}

func printBanner() {
	if !quiet {
		observability.PrintBanner()
	}
}

// finish prints a result and turns a failed session into a non-zero exit.
func finish(res *plan.SessionResult) error {
	observability.PrintResult(os.Stdout, res)
	if res.Status == plan.SessionFailed {
		if res.Err != nil {
			return res.Err
		}
		if res.Error != "" {
			return fmt.Errorf("session %s failed: %s", res.TaskID, res.Error)
		}
		return fmt.Errorf("session %s failed", res.TaskID)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/mmcdole/shopsync/internal/tui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	shutdownTimeout = 5 * time.Second
	drainTimeout    = 2 * time.Minute
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync daemon until interrupted",
	Long: `Run keeps the queue draining in the background: on reconnect, when the
periodic scheduler fires and once at start-up. Stale cache entries and old
dead letters are cleaned up on an interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, printDeadLetter)
		if err != nil {
			return err
		}
		defer a.Close()

		a.logger.Info("starting shopsync", "version", Version, "queueDepth", a.queue.Size())
		fmt.Println("Syncing. Press Ctrl+C to stop...")

		if err := a.runBackground(ctx); err != nil {
			return err
		}
		a.logger.Info("shutting down")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue depth, dead letters and last sync time",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		state := a.svc.GetSyncState()
		if jsonOutput {
			return printJSON(state)
		}
		printState(state, time.Now())
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:     "drain",
	GroupID: "sync",
	Short:   "Drain the queue once and report the outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := context.WithTimeout(cmd.Context(), drainTimeout)
		defer cancel()

		a, err := openApp(ctx, printDeadLetter)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.svc.SyncNow(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		fmt.Printf("%s: %d attempted, %d succeeded, %d failed, %d dead-lettered, %d held back\n",
			report.Phase, report.Attempted, report.Succeeded, report.Failed, report.DeadLettered, report.Skipped)
		if report.Phase == domain.PhaseIdle {
			fmt.Println("(offline or nothing queued)")
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Run the sync daemon with a live status view",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		errCh := make(chan error, 1)
		go func() { errCh <- a.runBackground(ctx) }()

		if term.IsTerminal(int(os.Stdout.Fd())) {
			p := tea.NewProgram(tui.NewModel(a.svc, interval), tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				a.logger.Error("TUI error", "error", err)
				return fmt.Errorf("TUI error: %w", err)
			}
		} else {
			watchPlain(ctx, a, interval)
		}

		cancel()
		if err := <-errCh; err != nil {
			return err
		}
		return nil
	},
}

// watchPlain prints a status line every interval for non-terminal output
func watchPlain(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s := a.svc.GetSyncState()
		fmt.Printf("%s online=%t phase=%s queue=%d dead=%d\n",
			time.Now().Format(time.RFC3339), s.IsOnline, s.Phase, s.QueueDepth, s.DeadLetters)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printState(s domain.SyncState, now time.Time) {
	online := "offline"
	if s.IsOnline {
		online = "online"
	}
	last := "never"
	if !s.LastSyncAt.IsZero() {
		last = tui.FormatAge(now.Sub(s.LastSyncAt)) + " ago"
	}
	fmt.Printf("Network:      %s\n", online)
	fmt.Printf("Phase:        %s\n", s.Phase)
	fmt.Printf("Queue depth:  %d\n", s.QueueDepth)
	fmt.Printf("Dead letters: %d\n", s.DeadLetters)
	fmt.Printf("Last sync:    %s\n", last)
}

func printDeadLetter(dl domain.DeadLetter) {
	fmt.Fprintf(os.Stderr, "✗ %s %s abandoned after %d attempts: %s\n",
		dl.Mutation.Type, dl.Mutation.EntityKey, dl.Mutation.Attempts, dl.Reason)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	drainCmd.Flags().Bool("json", false, "Output as JSON")
	watchCmd.Flags().Duration("interval", time.Second, "Refresh interval")

	rootCmd.AddCommand(runCmd, statusCmd, drainCmd, watchCmd)
}

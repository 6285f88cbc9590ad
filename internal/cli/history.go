package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/smolitux/smolit/internal/config"
	"github.com/smolitux/smolit/internal/timeline"
)

var (
	historySession   string
	historyExpert    string
	historyErrors    bool
	historyLimit     int
	historyJSON      bool
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled turns, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTimeline(func(tl *timeline.TimelineService) error {
			turns, err := tl.GetTurns(cmd.Context(), timeline.FilterArgs{
				SessionKey: historySession,
				Expert:     historyExpert,
				ErrorsOnly: historyErrors,
				Limit:      historyLimit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if historyJSON {
				return printJSON(out, turns)
			}
			if len(turns) == 0 {
				fmt.Fprintln(out, "No turns recorded.")
				return nil
			}
			for _, t := range turns {
				head := fmt.Sprintf("%s  %-9s %-9s %5dms  %s",
					t.Timestamp.Local().Format("2006-01-02 15:04:05"), t.Expert, t.RouteReason, t.DurationMS, t.SessionKey)
				if t.IsError {
					head = color.RedString(head)
				}
				fmt.Fprintln(out, head)
				fmt.Fprintf(out, "  > %s\n  < %s\n", truncateLine(t.Input, 120), truncateLine(t.Response, 120))
			}
			return nil
		})
	},
}

var historyUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show turns and errors per expert",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTimeline(func(tl *timeline.TimelineService) error {
			usage, err := tl.ExpertUsage(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if historyJSON {
				return printJSON(out, usage)
			}
			for _, u := range usage {
				name := u.Expert
				if name == "" {
					name = "(none)"
				}
				fmt.Fprintf(out, "%-10s %5d turns %5d errors\n", name, u.Turns, u.Errors)
			}
			return nil
		})
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete journaled turns older than a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		return withTimeline(func(tl *timeline.TimelineService) error {
			n, err := tl.Prune(cmd.Context(), time.Now().Add(-historyOlderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d turns\n", n)
			return nil
		})
	},
}

func withTimeline(fn func(*timeline.TimelineService) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureDir(filepath.Dir(cfg.Timeline.Path)); err != nil {
		return err
	}
	tl, err := timeline.NewTimelineService(cfg.Timeline.Path, nil)
	if err != nil {
		return err
	}
	defer tl.Close()
	return fn(tl)
}

func init() {
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "Only turns of this session")
	historyCmd.Flags().StringVarP(&historyExpert, "expert", "e", "", "Only turns handled by this expert")
	historyCmd.Flags().BoolVar(&historyErrors, "errors", false, "Only failed turns")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of turns")
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Output JSON")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "Age of the turns to delete")

	historyCmd.AddCommand(historyUsageCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

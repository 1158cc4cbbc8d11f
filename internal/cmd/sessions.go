package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/registry"
	"github.com/virtengine/openfleet-sub013/internal/util"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage the session registry",
	Long:  `Commands for listing, invalidating, and pruning task sessions in registry.json.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered task session",
	Long: `List every task session in the registry with:
- Task key and backend
- Session id and turn count
- Whether the session can still be resumed
- Age and last activity`,
	RunE: runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <task-key>",
	Short: "Print one registry record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <task-key>...",
	Short: "Invalidate task sessions",
	Long: `Mark task sessions dead so the next run launches a fresh one.

With --purge the records are removed from the registry instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSessionsRm,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove dead and idle sessions",
	Long: `Remove dead sessions from the registry. With --max-idle, sessions with no
activity for longer than the given duration are removed as well.`,
	RunE: runSessionsPrune,
}

var (
	sessionsJSON bool
	rmPurge      bool
	rmReason     string
	pruneMaxIdle time.Duration
	pruneDryRun  bool
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)

	sessionsListCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print records as JSON")
	sessionsRmCmd.Flags().BoolVar(&rmPurge, "purge", false, "Delete the records instead of marking them dead")
	sessionsRmCmd.Flags().StringVar(&rmReason, "reason", "invalidated by user", "Reason stored on the record")
	sessionsPruneCmd.Flags().DurationVar(&pruneMaxIdle, "max-idle", 0, "Also remove sessions idle for longer than this (e.g. 24h)")
	sessionsPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Show what would be removed")
}

func sessionsStore() (*config.Config, *registry.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg, nil)
	return cfg, store, err
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, store, err := sessionsStore()
	if err != nil {
		return err
	}
	records := store.All()
	sort.Slice(records, func(i, j int) bool { return records[i].TaskKey < records[j].TaskKey })

	out := cmd.OutOrStdout()
	if sessionsJSON {
		return writeJSON(out, records)
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No sessions in %s\n", store.Path())
		return nil
	}

	limits := registry.Limits{MaxTurns: cfg.Pool.MaxTurns, MaxAge: cfg.Pool.MaxAge()}
	now := time.Now()

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.TaskKey,
			string(rec.Backend),
			rec.SessionID,
			fmt.Sprintf("%d", rec.TurnCount),
			recordState(rec, limits, now),
			util.FormatAge(rec.Age(now)),
			util.FormatAge(now.Sub(rec.LastActivity())),
			util.SingleLine(rec.LastError),
		})
	}
	renderTable(out, []string{"TASK", "BACKEND", "SESSION", "TURNS", "STATE", "AGE", "IDLE", "LAST ERROR"}, rows)
	return nil
}

// recordState summarizes why a record will or will not be resumed.
func recordState(rec registry.Record, limits registry.Limits, now time.Time) string {
	switch {
	case !rec.Alive:
		return errStyle.Render("dead")
	case limits.Eligible(rec, now):
		return okStyle.Render("resumable")
	case limits.MaxTurns > 0 && rec.TurnCount >= limits.MaxTurns:
		return warnStyle.Render("turn limit")
	default:
		return warnStyle.Render("expired")
	}
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	_, store, err := sessionsStore()
	if err != nil {
		return err
	}
	rec, ok := store.Get(args[0])
	if !ok {
		return fmt.Errorf("no session registered for task %q", args[0])
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}

func runSessionsRm(cmd *cobra.Command, args []string) error {
	_, store, err := sessionsStore()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, key := range args {
		if _, ok := store.Get(key); !ok {
			fmt.Fprintf(out, "%s: not registered\n", key)
			continue
		}
		if rmPurge {
			if _, err := store.Delete(key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
			fmt.Fprintf(out, "%s: deleted\n", key)
			continue
		}
		if err := store.MarkDead(key, rmReason); err != nil {
			return fmt.Errorf("failed to invalidate %s: %w", key, err)
		}
		fmt.Fprintf(out, "%s: invalidated\n", key)
	}
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	_, store, err := sessionsStore()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if pruneDryRun {
		now := time.Now()
		n := 0
		for _, rec := range store.All() {
			idle := pruneMaxIdle > 0 && now.Sub(rec.LastActivity()) > pruneMaxIdle
			if !rec.Alive || idle {
				fmt.Fprintf(out, "would remove %s\n", rec.TaskKey)
				n++
			}
		}
		fmt.Fprintf(out, "%d session(s) would be removed\n", n)
		return nil
	}

	removed, err := store.Prune(pruneMaxIdle)
	if err != nil {
		return fmt.Errorf("failed to prune registry: %w", err)
	}
	for _, key := range removed {
		fmt.Fprintf(out, "removed %s\n", key)
	}
	fmt.Fprintf(out, "%d session(s) removed\n", len(removed))
	return nil
}

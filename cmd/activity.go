package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/database"
)

var (
	activityLimit   int
	activityOutcome string
	activityJSON    bool
	pruneDays       int
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show recent relay activity from the database",
	Long: `Lists persisted activity entries, newest first. Entries are written
while 'ctrlscan-relay serve' runs with activity.persist enabled.`,
	RunE: runActivity,
}

var activityPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete persisted activity older than --days",
	RunE:  runActivityPrune,
}

func init() {
	activityCmd.Flags().IntVarP(&activityLimit, "limit", "n", 20, "number of entries to show")
	activityCmd.Flags().StringVar(&activityOutcome, "outcome", "",
		"filter by outcome (created, skipped_duplicate, error, rejected)")
	activityCmd.Flags().BoolVar(&activityJSON, "json", false, "print entries as JSON")

	activityPruneCmd.Flags().IntVar(&pruneDays, "days", 0,
		"retention in days (default activity.retention_days)")
	activityCmd.AddCommand(activityPruneCmd)
}

func openHistory(ctx context.Context) (*config.Config, database.DB, *activity.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return cfg, db, activity.NewStore(db), nil
}

func runActivity(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, db, store, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := store.Recent(ctx, activityLimit, activity.Outcome(activityOutcome))
	if err != nil {
		return fmt.Errorf("reading activity: %w", err)
	}

	if activityJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Println(dimStyle.Render("No activity recorded yet."))
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOUTCOME\tFINDING\tSEVERITY\tTICKET\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format(time.DateTime),
			outcomeLabel(e.Outcome),
			e.FindingID,
			e.Severity,
			e.TicketID,
			truncate(e.Message, 60))
	}
	return tw.Flush()
}

func runActivityPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, db, store, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	days := pruneDays
	if days <= 0 {
		days = cfg.Activity.RetentionDays
	}
	if days <= 0 {
		return fmt.Errorf("retention is disabled; pass --days")
	}
	before, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if err := store.Prune(ctx, time.Now().AddDate(0, 0, -days)); err != nil {
		return fmt.Errorf("pruning activity: %w", err)
	}
	after, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("Removed %d entries older than %d days.", before-after, days)))
	return nil
}

func outcomeLabel(o activity.Outcome) string {
	switch o {
	case activity.OutcomeCreated:
		return successStyle.Render(string(o))
	case activity.OutcomeError:
		return failStyle.Render(string(o))
	case activity.OutcomeRejected:
		return warnStyle.Render(string(o))
	default:
		return string(o)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

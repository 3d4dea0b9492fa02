package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/your-org/checkin/internal/attendance"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print attendance records for a date range",
	Long: `Print attendance records between --from and --to (inclusive, YYYY-MM-DD).
Both default to today in the configured attendance time zone.

Examples:
  checkinctl report
  checkinctl report --from 2024-03-01 --to 2024-03-31 --employee 6f1c...`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().String("from", "", "First day, YYYY-MM-DD")
	reportCmd.Flags().String("to", "", "Last day, YYYY-MM-DD")
	reportCmd.Flags().String("employee", "", "Only this employee ID")
	reportCmd.Flags().Bool("json", false, "Output as JSON")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Attendance.Location()
	if err != nil {
		return err
	}

	today := attendance.StartOfDay(time.Now().In(loc))
	from, err := parseDay(mustGetString(cmd, "from"), today, loc)
	if err != nil {
		return err
	}
	to, err := parseDay(mustGetString(cmd, "to"), today, loc)
	if err != nil {
		return err
	}
	if to.Before(from) {
		return fmt.Errorf("--to %s is before --from %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	var employeeID *uuid.UUID
	if s := mustGetString(cmd, "employee"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid --employee: %w", err)
		}
		employeeID = &id
	}

	ctx := cmd.Context()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.ListRecords(ctx, from, to, employeeID)
	if err != nil {
		return err
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No records")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tNAME\tDEPARTMENT\tIN\tOUT\tSTATUS\tLATE\tEARLY\tHOURS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%.2f\n",
			e.Day.Format(time.DateOnly), e.EmployeeName, e.Department,
			clock(e.CheckIn, loc), clock(e.CheckOut, loc), e.Status,
			e.LateMinutes, e.EarlyLeaveMinutes, e.WorkingHours)
	}
	return w.Flush()
}

func parseDay(s string, fallback time.Time, loc *time.Location) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

func clock(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("15:04")
}

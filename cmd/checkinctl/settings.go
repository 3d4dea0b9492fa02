package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/checkin/internal/attendance"
	"github.com/your-org/checkin/internal/models"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the work schedule",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active work schedule",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the work schedule",
	Long: `Change the work schedule. Only the flags given are changed.

Examples:
  checkinctl settings set --start 09:00 --end 18:00
  checkinctl settings set --late 10 --days 1,2,3,4,5,6`,
	Args: cobra.NoArgs,
	RunE: runSettingsSet,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)

	settingsShowCmd.Flags().Bool("json", false, "Output as JSON")

	settingsSetCmd.Flags().String("start", "", "Work start, HH:MM")
	settingsSetCmd.Flags().String("end", "", "Work end, HH:MM")
	settingsSetCmd.Flags().Int("late", 0, "Late tolerance in minutes")
	settingsSetCmd.Flags().Int("early", 0, "Early leave tolerance in minutes")
	settingsSetCmd.Flags().IntSlice("days", nil, "Work days, 0=Sunday .. 6=Saturday")
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := attendance.LoadSettings(ctx, db)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	printSettings(s)
	return nil
}

func runSettingsSet(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := attendance.LoadSettings(ctx, db)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("start") {
		if s.WorkStart, err = models.ParseClockTime(mustGetString(cmd, "start")); err != nil {
			return err
		}
	}
	if flags.Changed("end") {
		if s.WorkEnd, err = models.ParseClockTime(mustGetString(cmd, "end")); err != nil {
			return err
		}
	}
	if flags.Changed("late") {
		s.LateTolerance = mustGetInt(cmd, "late")
	}
	if flags.Changed("early") {
		s.EarlyLeaveTolerance = mustGetInt(cmd, "early")
	}
	if flags.Changed("days") {
		days := mustGetIntSlice(cmd, "days")
		s.WorkDays = make([]time.Weekday, len(days))
		for i, d := range days {
			s.WorkDays[i] = time.Weekday(d)
		}
	}

	if err := attendance.ValidateSettings(s); err != nil {
		return err
	}
	if err := db.SaveSettings(ctx, &s); err != nil {
		return err
	}
	fmt.Println("Settings saved")
	printSettings(s)
	return nil
}

func printSettings(s models.AttendanceSettings) {
	fmt.Printf("Work hours:        %s - %s\n", s.WorkStart, s.WorkEnd)
	fmt.Printf("Late tolerance:    %d min\n", s.LateTolerance)
	fmt.Printf("Early leave:       %d min\n", s.EarlyLeaveTolerance)
	fmt.Print("Work days:        ")
	for _, d := range s.WorkDays {
		fmt.Printf(" %s", d.String()[:3])
	}
	fmt.Println()
}

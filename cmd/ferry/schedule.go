package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tigerroll/ferry/internal/app"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

func newScheduleCommand(src *app.Source) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and toggle schedules",
	}
	toggle := func(use, short string, enable bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <jobKey>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.Exec(cmd.Context(), *src, func(ctx context.Context, s app.Services) error {
					if enable {
						return s.Synchronizer.Enable(ctx, args[0])
					}
					return s.Synchronizer.Disable(ctx, args[0])
				})
			},
		}
	}
	cmd.AddCommand(
		toggle("enable", "Enable every schedule of a job", true),
		toggle("disable", "Disable every schedule of a job without deleting it", false),
		&cobra.Command{
			Use:   "list",
			Short: "List all schedules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.Exec(cmd.Context(), *src, func(ctx context.Context, s app.Services) error {
					defs, err := s.Repository.ListSchedules(ctx)
					if err != nil {
						return err
					}
					loc, err := s.Config.Location()
					if err != nil {
						return err
					}
					printSchedules(cmd, defs, loc)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Ask a running worker to synchronize schedules now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.Exec(cmd.Context(), *src, func(ctx context.Context, s app.Services) error {
					id, err := s.Repository.Enqueue(ctx, "", model.RequestRefreshSchedule, nil)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
					return nil
				})
			},
		},
	)
	return cmd
}

// printSchedules renders defs as a table, run times in the configured time zone.
func printSchedules(cmd *cobra.Command, defs []*model.ScheduleDefinition, loc *time.Location) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job", "Freq", "Day", "Month", "At", "Enabled", "Last Run", "Next Run"})
	for _, d := range defs {
		t.AppendRow(table.Row{
			d.JobKey,
			string(d.FreqCode),
			d.FreqDay,
			d.FreqMonth,
			fmt.Sprintf("%02d:%02d", d.FreqHour, d.FreqMinute),
			d.Enabled,
			formatTime(d.LastRun, loc),
			formatTime(d.NextRun, loc),
		})
	}
	t.Render()
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

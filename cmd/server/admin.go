package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/planner"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// ONE-SHOT OPERATOR COMMANDS
// =============================================================================

// withApp runs fn against a persistent store and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requirePersistent(); err != nil {
		return err
	}
	return fn(a)
}

func newGenerateCmd() *cobra.Command {
	var month string

	cmd := &cobra.Command{
		Use:   "generate <donor-id>",
		Short: "Generate a donor's visit plan",
		Long: `Generate a donor's visit plan for the current month, plus the next
month when the current one is nearly over.

With --month, regenerate that single month instead. A month that already
has a live plan is reported as a duplicate.

Examples:
  server generate donor-42
  server generate donor-42 --month 2025-11`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return runGenerate(cmd, a, visit.DonorID(args[0]), month)
			})
		},
	}

	cmd.Flags().StringVarP(&month, "month", "m", "", "plan month to regenerate (YYYY-MM)")

	return cmd
}

func runGenerate(cmd *cobra.Command, a *app, donorID visit.DonorID, month string) error {
	var command planner.Command = planner.DonorApproved{DonorID: donorID}
	if month != "" {
		m, err := calendar.ParseMonth(month)
		if err != nil {
			return fmt.Errorf("invalid month %q (use YYYY-MM)", month)
		}
		command = planner.RegenerateRequested{DonorID: donorID, PlanMonth: m}
	}

	out, err := a.dispatcher.Dispatch(cmd.Context(), command)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if out.Duplicate {
		fmt.Fprintf(w, "Plan already exists for %s\n", donorID)
		return nil
	}
	res := out.Result
	if len(res.Visits) == 0 {
		fmt.Fprintf(w, "Nothing scheduled for %s: %s\n", donorID, res.Message)
		return nil
	}
	fmt.Fprintf(w, "Created %d visits for %s\n", len(res.Visits), donorID)
	printVisits(w, res.Visits, a.loc)
	return nil
}

func newRolloverCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Run the monthly rollover for every eligible donor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				var when time.Time
				if at != "" {
					t, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("invalid --at %q (use RFC 3339)", at)
					}
					when = t
				}
				out, err := a.dispatcher.Dispatch(cmd.Context(), planner.MonthRollover{At: when})
				if err != nil {
					return err
				}
				r := out.Rollover
				fmt.Fprintf(cmd.OutOrStdout(), "Donors: %d  generated: %d  visits: %d  duplicates: %d  empty: %d  failed: %d\n",
					r.Donors, r.Generated, r.Visits, r.Duplicates, r.Empty, r.Failed)
				for id, msg := range r.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", id, msg)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "rollover instant (RFC 3339, default now)")

	return cmd
}

func newRescheduleCmd() *cobra.Command {
	var actor, status string

	cmd := &cobra.Command{
		Use:   "reschedule <visit-id> <date> <start> <end>",
		Short: "Move a visit to a new date and window",
		Long: `Move a proposed or scheduled visit to a new date and window.

Date format: YYYY-MM-DD. Times: HH:MM in the facility timezone.
The donor's weekly cap applies to the target week.

Examples:
  server reschedule 6f1c2a 2025-10-07 13:00 14:00 --actor staff-1
  server reschedule 6f1c2a 2025-10-07 13:00 14:00 --actor staff-1 --status scheduled`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := calendar.ParseDate(args[1])
			if err != nil {
				return fmt.Errorf("invalid date %q (use YYYY-MM-DD)", args[1])
			}
			start, err := calendar.ParseClock(args[2])
			if err != nil {
				return fmt.Errorf("invalid start %q (use HH:MM)", args[2])
			}
			end, err := calendar.ParseClock(args[3])
			if err != nil {
				return fmt.Errorf("invalid end %q (use HH:MM)", args[3])
			}
			return withApp(cmd, func(a *app) error {
				out, err := a.dispatcher.Dispatch(cmd.Context(), planner.RescheduleRequested{
					VisitID:   visit.VisitID(args[0]),
					NewDate:   date,
					NewWindow: calendar.Window{Start: start, End: end},
					Actor:     actor,
					Status:    visit.Status(status),
				})
				if err != nil {
					return err
				}
				printVisits(cmd.OutOrStdout(), []visit.Scheduled{*out.Visit}, a.loc)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "who is making the change (required)")
	cmd.Flags().StringVar(&status, "status", "", "also move to this status (scheduled|confirmed)")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func newCancelCmd() *cobra.Command {
	var actor, reason string

	cmd := &cobra.Command{
		Use:   "cancel <visit-id>",
		Short: "Cancel a visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				out, err := a.dispatcher.Dispatch(cmd.Context(), planner.CancelRequested{
					VisitID: visit.VisitID(args[0]),
					Reason:  reason,
					Actor:   actor,
				})
				if err != nil {
					return err
				}
				printVisits(cmd.OutOrStdout(), []visit.Scheduled{*out.Visit}, a.loc)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "who is cancelling (required)")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "cancellation reason")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func printVisits(w io.Writer, visits []visit.Scheduled, loc *time.Location) {
	for _, sv := range visits {
		v := sv.Visit
		when := "unscheduled"
		if v.ScheduledStart != nil && v.ScheduledEnd != nil {
			when = v.ScheduledStart.In(loc).Format("Mon 2006-01-02 15:04") + "-" + v.ScheduledEnd.In(loc).Format("15:04")
		}
		fmt.Fprintf(w, "  %s  %-26s  %s\n", v.ID, when, v.Status)
	}
}

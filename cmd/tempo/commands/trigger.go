package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/display"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/schedule"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/sym"
)

// TriggerCmd represents the trigger command
var TriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: sym.Pulse + " Manage triggers and calendars",
	Long: sym.Pulse + ` trigger — Inspect, pause, resume and remove triggers

Examples:
  tempo trigger ls                      # All triggers with their state
  tempo trigger ls --job reports.nightly
  tempo trigger pause reports.nightly   # Pause one trigger
  tempo trigger resume --group reports  # Resume a trigger group
  tempo trigger calendars               # List exclusion calendars`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var triggerLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List triggers",
	RunE:  runTriggerLs,
}

var triggerPauseCmd = &cobra.Command{
	Use:   "pause [trigger]",
	Short: "Pause a trigger, or a whole group with --group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTriggerPauseResume(cmd, args, true)
	},
}

var triggerResumeCmd = &cobra.Command{
	Use:   "resume [trigger]",
	Short: "Resume a trigger, or a whole group with --group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTriggerPauseResume(cmd, args, false)
	},
}

var triggerRmCmd = &cobra.Command{
	Use:   "rm <trigger>",
	Short: "Remove a trigger",
	Long:  "Remove a trigger. A non-durable job left without triggers is deleted with it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := schedule.ParseTriggerKey(args[0])
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			found, err := rt.sched.UnscheduleJob(ctx, key)
			if err != nil {
				return err
			}
			if !found {
				return errors.NewNotFoundError("trigger %s not found", key)
			}
			fmt.Printf("%s Removed trigger %s\n", sym.Pulse, key)
			return nil
		})
	},
}

var triggerCalendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List exclusion calendars",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			names, err := rt.sched.CalendarNames(ctx)
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.OutputJSON(names)
			}
			if len(names) == 0 {
				fmt.Printf("%s No calendars\n", sym.Pulse)
				return nil
			}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				cal, err := rt.sched.GetCalendar(ctx, name)
				if err != nil {
					return err
				}
				rows = append(rows, []string{name, schedule.DescribeCalendar(cal), orDash(cal.Description())})
			}
			return display.Table([]string{"CALENDAR", "RULES", "DESCRIPTION"}, rows)
		})
	},
}

var triggerCalendarRmCmd = &cobra.Command{
	Use:   "rm-calendar <name>",
	Short: "Delete a calendar no trigger references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			found, err := rt.sched.DeleteCalendar(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return errors.NewNotFoundError("calendar %s not found", args[0])
			}
			fmt.Printf("%s Deleted calendar %s\n", sym.Pulse, args[0])
			return nil
		})
	},
}

func init() {
	triggerLsCmd.Flags().String("group", "", "Only list triggers in this group")
	triggerLsCmd.Flags().String("job", "", "Only list triggers of this job")
	triggerPauseCmd.Flags().String("group", "", "Pause every trigger in this group")
	triggerResumeCmd.Flags().String("group", "", "Resume every trigger in this group")

	TriggerCmd.AddCommand(triggerLsCmd)
	TriggerCmd.AddCommand(triggerPauseCmd)
	TriggerCmd.AddCommand(triggerResumeCmd)
	TriggerCmd.AddCommand(triggerRmCmd)
	TriggerCmd.AddCommand(triggerCalendarsCmd)
	TriggerCmd.AddCommand(triggerCalendarRmCmd)
}

// triggerRow is the JSON shape of one listed trigger
type triggerRow struct {
	Key              string     `json:"key"`
	Job              string     `json:"job"`
	Rule             string     `json:"rule"`
	State            string     `json:"state"`
	NextFireTime     *time.Time `json:"next_fire_time,omitempty"`
	PreviousFireTime *time.Time `json:"previous_fire_time,omitempty"`
	Priority         int        `json:"priority"`
	Calendar         string     `json:"calendar,omitempty"`
	TimesTriggered   int64      `json:"times_triggered"`
}

func triggerRows(ctx context.Context, s *scheduler.Scheduler, triggers []*schedule.Trigger) ([]triggerRow, error) {
	rows := make([]triggerRow, 0, len(triggers))
	for _, t := range triggers {
		state, err := s.GetTriggerState(ctx, t.Key)
		if err != nil {
			return nil, err
		}
		rows = append(rows, triggerRow{
			Key:              t.Key.String(),
			Job:              t.JobKey.String(),
			Rule:             t.Rule.String(),
			State:            string(state),
			NextFireTime:     t.NextFireTime,
			PreviousFireTime: t.PreviousFireTime,
			Priority:         t.Priority,
			Calendar:         t.CalendarName,
			TimesTriggered:   int64(t.TimesTriggered),
		})
	}
	return rows, nil
}

func renderTriggers(rows []triggerRow) error {
	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		table = append(table, []string{
			r.Key, r.Job, r.Rule, r.State,
			formatTime(r.NextFireTime), formatTime(r.PreviousFireTime),
			strconv.Itoa(r.Priority), orDash(r.Calendar),
		})
	}
	return display.Table([]string{"TRIGGER", "JOB", "RULE", "STATE", "NEXT", "PREV", "PRIORITY", "CALENDAR"}, table)
}

func runTriggerLs(cmd *cobra.Command, args []string) error {
	group, _ := cmd.Flags().GetString("group")
	job, _ := cmd.Flags().GetString("job")

	return withRuntime(func(ctx context.Context, rt *runtime) error {
		s := rt.sched
		var triggers []*schedule.Trigger
		if job != "" {
			var err error
			if triggers, err = s.GetTriggersOfJob(ctx, schedule.ParseJobKey(job)); err != nil {
				return err
			}
		} else {
			keys, err := s.TriggerKeys(ctx, groupMatcher(group))
			if err != nil {
				return err
			}
			for _, key := range keys {
				t, err := s.GetTrigger(ctx, key)
				if err != nil {
					if errors.IsNotFoundError(err) {
						continue
					}
					return err
				}
				triggers = append(triggers, t)
			}
		}

		rows, err := triggerRows(ctx, s, triggers)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Printf("%s No triggers found\n", sym.Pulse)
			return nil
		}
		if err := renderTriggers(rows); err != nil {
			return err
		}
		fmt.Printf("\nTotal: %d trigger(s)\n", len(rows))
		return nil
	})
}

func runTriggerPauseResume(cmd *cobra.Command, args []string, pause bool) error {
	group, _ := cmd.Flags().GetString("group")
	if (group == "") == (len(args) == 0) {
		return errors.NewInvalidRequestError("give either a trigger key or --group")
	}
	verb := "Resumed"
	if pause {
		verb = "Paused"
	}

	return withRuntime(func(ctx context.Context, rt *runtime) error {
		s := rt.sched
		if group != "" {
			var groups []string
			var err error
			if pause {
				groups, err = s.PauseTriggerGroup(ctx, schedule.MatchGroup(group))
			} else {
				groups, err = s.ResumeTriggerGroup(ctx, schedule.MatchGroup(group))
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %s trigger groups: %v\n", sym.Pulse, verb, groups)
			return nil
		}

		key := schedule.ParseTriggerKey(args[0])
		if ok, err := s.CheckTriggerExists(ctx, key); err != nil {
			return err
		} else if !ok {
			return errors.NewNotFoundError("trigger %s not found", key)
		}
		var err error
		if pause {
			err = s.PauseTrigger(ctx, key)
		} else {
			err = s.ResumeTrigger(ctx, key)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s trigger %s\n", sym.Pulse, verb, key)
		return nil
	})
}

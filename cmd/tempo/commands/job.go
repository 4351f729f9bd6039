package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/display"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/history"
	"github.com/teranos/tempo/pulse/schedule"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/sym"
)

// JobCmd represents the job command
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Pulse + " Manage jobs",
	Long: sym.Pulse + ` job — Manage jobs in the job store

Keys are written group.name; a bare name means the DEFAULT group.
Changes are written to the database and picked up by running daemons.

Examples:
  tempo job ls                                         # List jobs
  tempo job add reports.nightly --handler shell \
      --cron "0 0 2 * * *" --data command="make report" # Add a job with a cron trigger
  tempo job trigger reports.nightly                    # Fire a job now
  tempo job pause --group reports                      # Pause a whole group
  tempo job load jobs.toml                             # Apply a definitions file
  tempo job history reports.nightly                    # Recent executions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			return runJobLs(ctx, cmd, rt.sched, groupMatcher(group))
		})
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job>",
	Short: "Show a job and its triggers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			return runJobShow(ctx, cmd, rt.sched, schedule.ParseJobKey(args[0]))
		})
	},
}

var jobAddCmd = &cobra.Command{
	Use:   "add <job>",
	Short: "Add a job, with a trigger when a schedule is given",
	Long: `Add a job. Give one of --cron, --every, --interval/--unit or --at to
schedule it; without one the job must be --durable and waits for
'tempo job trigger'.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobAdd,
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <job>",
	Short: "Delete a job and its triggers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := schedule.ParseJobKey(args[0])
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			found, err := rt.sched.DeleteJob(ctx, key)
			if err != nil {
				return err
			}
			if !found {
				return errors.NewNotFoundError("job %s not found", key)
			}
			fmt.Printf("%s Deleted job %s\n", sym.Pulse, key)
			return nil
		})
	},
}

var jobTriggerCmd = &cobra.Command{
	Use:   "trigger <job>",
	Short: "Fire a job now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := schedule.ParseJobKey(args[0])
		data, _ := cmd.Flags().GetStringToString("data")
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			t, err := rt.sched.TriggerJob(ctx, key, dataMap(data))
			if err != nil {
				return err
			}
			fmt.Printf("%s Triggered %s (trigger %s)\n", sym.Pulse, key, t.Key)
			return nil
		})
	},
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause [job]",
	Short: "Pause a job's triggers, or a whole group with --group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobPauseResume(cmd, args, true)
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume [job]",
	Short: "Resume a job's triggers, or a whole group with --group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobPauseResume(cmd, args, false)
	},
}

var jobLoadCmd = &cobra.Command{
	Use:   "load <file.toml>",
	Short: "Store the calendars, jobs and triggers defined in a file",
	Long: `Apply a job definitions file. Existing jobs are replaced; triggers
keep their fire times unless their definition changed. Nothing is deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := scheduler.LoadDefinitions(args[0])
		if err != nil {
			return err
		}
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			res, err := rt.sched.ApplyDefinitions(ctx, d)
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.OutputJSON(res)
			}
			fmt.Printf("%s Applied %s\n", sym.Pulse, args[0])
			fmt.Printf("  Calendars:             %d\n", res.Calendars)
			fmt.Printf("  Jobs added/updated:    %d/%d\n", res.JobsAdded, res.JobsUpdated)
			fmt.Printf("  Triggers scheduled:    %d\n", res.TriggersScheduled)
			fmt.Printf("  Triggers rescheduled:  %d\n", res.TriggersRescheduled)
			fmt.Printf("  Triggers unchanged:    %d\n", res.TriggersUnchanged)
			return nil
		})
	},
}

var jobHistoryCmd = &cobra.Command{
	Use:   "history [job]",
	Short: "Show recent executions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobHistory,
}

func init() {
	jobLsCmd.Flags().String("group", "", "Only list jobs in this group")

	f := jobAddCmd.Flags()
	f.String("handler", "", "Handler that runs the job (noop, log, shell, http)")
	f.String("description", "", "Job description")
	f.StringToString("data", nil, "Job data as key=value pairs")
	f.Bool("durable", false, "Keep the job when it has no triggers left")
	f.Bool("disallow-concurrent", false, "Never run two executions of this job at once")
	f.Bool("persist-data", false, "Write data changed by the handler back to the store")
	f.Bool("recovery", false, "Re-run executions lost by a crashed instance")
	f.Bool("replace", false, "Replace an existing job of the same key")
	f.String("trigger", "", "Trigger key (default: the job's key)")
	f.String("cron", "", "Cron expression with seconds (e.g. \"0 */5 * * * *\")")
	f.String("every", "", "Fixed interval (e.g. 90s, 1h)")
	f.Int("repeat", -1, "Repeat count for --every (-1 repeats forever)")
	f.Int("interval", 0, "Calendar interval, with --unit")
	f.String("unit", "", "Calendar interval unit: second, minute, hour, day, week, month, year")
	f.String("at", "", "Fire once at this RFC3339 time")
	f.String("timezone", "", "Time zone for --cron and --interval")
	f.String("calendar", "", "Exclusion calendar")
	f.String("misfire", "", "Misfire policy: smart, ignore, fire_now, skip")
	f.Int("priority", 0, "Priority among triggers due at the same time (default 5)")
	_ = jobAddCmd.MarkFlagRequired("handler")

	jobTriggerCmd.Flags().StringToString("data", nil, "Trigger data as key=value pairs")
	jobPauseCmd.Flags().String("group", "", "Pause every job in this group")
	jobResumeCmd.Flags().String("group", "", "Resume every job in this group")
	jobHistoryCmd.Flags().Int("limit", 20, "Maximum number of executions to show")

	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobAddCmd)
	JobCmd.AddCommand(jobRmCmd)
	JobCmd.AddCommand(jobTriggerCmd)
	JobCmd.AddCommand(jobPauseCmd)
	JobCmd.AddCommand(jobResumeCmd)
	JobCmd.AddCommand(jobLoadCmd)
	JobCmd.AddCommand(jobHistoryCmd)
}

func groupMatcher(group string) schedule.GroupMatcher {
	if group == "" {
		return schedule.MatchAnyGroup()
	}
	return schedule.MatchGroup(group)
}

func dataMap(kv map[string]string) schedule.JobDataMap {
	m := make(map[string]any, len(kv))
	for k, v := range kv {
		m[k] = v
	}
	return schedule.NewJobDataMap(m)
}

// jobRow is the JSON shape of one listed job
type jobRow struct {
	Key          string     `json:"key"`
	Handler      string     `json:"handler"`
	Description  string     `json:"description,omitempty"`
	Triggers     int        `json:"triggers"`
	NextFireTime *time.Time `json:"next_fire_time,omitempty"`
	Flags        string     `json:"flags,omitempty"`
}

func jobFlags(j *schedule.JobDetail) string {
	flags := ""
	for _, f := range []struct {
		on  bool
		tag string
	}{
		{j.Durable, "D"}, {j.DisallowConcurrent, "C"}, {j.PersistDataAfterExecution, "P"}, {j.RequestsRecovery, "R"},
	} {
		if f.on {
			flags += f.tag
		}
	}
	return flags
}

func runJobLs(ctx context.Context, cmd *cobra.Command, s *scheduler.Scheduler, m schedule.GroupMatcher) error {
	keys, err := s.JobKeys(ctx, m)
	if err != nil {
		return err
	}
	out := make([]jobRow, 0, len(keys))
	for _, key := range keys {
		job, err := s.GetJobDetail(ctx, key)
		if err != nil {
			if errors.IsNotFoundError(err) {
				continue // deleted meanwhile
			}
			return err
		}
		triggers, err := s.GetTriggersOfJob(ctx, key)
		if err != nil {
			return err
		}
		row := jobRow{Key: key.String(), Handler: job.HandlerName, Description: job.Description,
			Triggers: len(triggers), Flags: jobFlags(job)}
		for _, t := range triggers {
			if t.NextFireTime != nil && (row.NextFireTime == nil || t.NextFireTime.Before(*row.NextFireTime)) {
				row.NextFireTime = t.NextFireTime
			}
		}
		out = append(out, row)
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(out)
	}
	if len(out) == 0 {
		fmt.Printf("%s No jobs found\n", sym.Pulse)
		return nil
	}
	rows := make([][]string, 0, len(out))
	for _, r := range out {
		rows = append(rows, []string{r.Key, r.Handler, strconv.Itoa(r.Triggers), formatTime(r.NextFireTime), r.Flags})
	}
	if err := display.Table([]string{"JOB", "HANDLER", "TRIGGERS", "NEXT FIRE", "FLAGS"}, rows); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d job(s)  flags: D durable, C no concurrency, P persist data, R recovery\n", len(out))
	return nil
}

func runJobShow(ctx context.Context, cmd *cobra.Command, s *scheduler.Scheduler, key schedule.JobKey) error {
	job, err := s.GetJobDetail(ctx, key)
	if err != nil {
		return err
	}
	triggers, err := s.GetTriggersOfJob(ctx, key)
	if err != nil {
		return err
	}
	rows, err := triggerRows(ctx, s, triggers)
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]interface{}{
			"key":                 job.Key.String(),
			"handler":             job.HandlerName,
			"description":         job.Description,
			"durable":             job.Durable,
			"disallow_concurrent": job.DisallowConcurrent,
			"persist_data":        job.PersistDataAfterExecution,
			"requests_recovery":   job.RequestsRecovery,
			"data":                job.Data,
			"triggers":            rows,
		})
	}

	fmt.Printf("%s Job %s\n", sym.Pulse, job.Key)
	fmt.Printf("  Handler:      %s\n", job.HandlerName)
	if job.Description != "" {
		fmt.Printf("  Description:  %s\n", job.Description)
	}
	fmt.Printf("  Flags:        %s\n", orDash(jobFlags(job)))
	for _, k := range job.Data.Keys() {
		v, _ := job.Data.Get(k)
		fmt.Printf("  data.%s = %v\n", k, v)
	}
	fmt.Println()
	if len(rows) == 0 {
		fmt.Println("No triggers")
		return nil
	}
	return renderTriggers(rows)
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	key := schedule.ParseJobKey(args[0])
	handler, _ := f.GetString("handler")
	data, _ := f.GetStringToString("data")

	job := schedule.NewJob(key.Name, key.Group, handler)
	job.Description, _ = f.GetString("description")
	job.Data = dataMap(data)
	job.Durable, _ = f.GetBool("durable")
	job.DisallowConcurrent, _ = f.GetBool("disallow-concurrent")
	job.PersistDataAfterExecution, _ = f.GetBool("persist-data")
	job.RequestsRecovery, _ = f.GetBool("recovery")
	replace, _ := f.GetBool("replace")

	trigger, err := triggerFromFlags(cmd, key)
	if err != nil {
		return err
	}

	return withRuntime(func(ctx context.Context, rt *runtime) error {
		if trigger == nil {
			if err := rt.sched.AddJob(ctx, job, replace); err != nil {
				return err
			}
			fmt.Printf("%s Added job %s (no trigger; fire it with 'tempo job trigger %s')\n", sym.Pulse, key, key)
			return nil
		}
		if replace {
			if err := rt.sched.AddJob(ctx, job, true); err != nil {
				return err
			}
			exists, err := rt.sched.CheckTriggerExists(ctx, trigger.Key)
			if err != nil {
				return err
			}
			var next *time.Time
			if exists {
				next, err = rt.sched.RescheduleJob(ctx, trigger.Key, trigger)
			} else {
				next, err = rt.sched.ScheduleTrigger(ctx, trigger)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s Replaced job %s, next fire %s\n", sym.Pulse, key, formatTime(next))
			return nil
		}
		next, err := rt.sched.ScheduleJob(ctx, job, trigger)
		if err != nil {
			return err
		}
		fmt.Printf("%s Added job %s, next fire %s\n", sym.Pulse, key, formatTime(next))
		return nil
	})
}

// triggerFromFlags builds the trigger described by job add's schedule
// flags, or nil when none is given
func triggerFromFlags(cmd *cobra.Command, job schedule.JobKey) (*schedule.Trigger, error) {
	f := cmd.Flags()
	def := scheduler.TriggerDef{}
	def.Cron, _ = f.GetString("cron")
	def.Every, _ = f.GetString("every")
	def.Interval, _ = f.GetInt("interval")
	def.Unit, _ = f.GetString("unit")
	def.Timezone, _ = f.GetString("timezone")
	def.Calendar, _ = f.GetString("calendar")
	def.Misfire, _ = f.GetString("misfire")
	def.Priority, _ = f.GetInt("priority")
	if f.Changed("repeat") {
		repeat, _ := f.GetInt("repeat")
		def.Repeat = &repeat
	}
	if name, _ := f.GetString("trigger"); name != "" {
		tk := schedule.ParseTriggerKey(name)
		def.Name, def.Group = tk.Name, tk.Group
	}
	at, _ := f.GetString("at")

	if at == "" && def.Cron == "" && def.Every == "" && def.Interval == 0 && def.Unit == "" {
		return nil, nil
	}
	if at == "" {
		return def.Build(job, time.Now())
	}

	if def.Cron != "" || def.Every != "" || def.Interval != 0 || def.Unit != "" {
		return nil, errors.NewInvalidRequestError("--at cannot be combined with --cron, --every or --interval")
	}
	when, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return nil, errors.WithHint(errors.Wrapf(errors.ErrInvalidRequest, "--at %q: %v", at, err),
			"use RFC3339, e.g. 2026-01-02T15:04:05Z")
	}
	def.Every = "1s"
	zero := 0
	def.Repeat = &zero
	t, err := def.Build(job, when)
	if err != nil {
		return nil, err
	}
	t.Rule = schedule.Once()
	return t, nil
}

func runJobPauseResume(cmd *cobra.Command, args []string, pause bool) error {
	group, _ := cmd.Flags().GetString("group")
	if (group == "") == (len(args) == 0) {
		return errors.NewInvalidRequestError("give either a job key or --group")
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
				groups, err = s.PauseJobGroup(ctx, schedule.MatchGroup(group))
			} else {
				groups, err = s.ResumeJobGroup(ctx, schedule.MatchGroup(group))
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %s job groups: %v\n", sym.Pulse, verb, groups)
			return nil
		}

		key := schedule.ParseJobKey(args[0])
		if ok, err := s.CheckJobExists(ctx, key); err != nil {
			return err
		} else if !ok {
			return errors.NewNotFoundError("job %s not found", key)
		}
		var err error
		if pause {
			err = s.PauseJob(ctx, key)
		} else {
			err = s.ResumeJob(ctx, key)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s job %s\n", sym.Pulse, verb, key)
		return nil
	})
}

func runJobHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	var key schedule.JobKey
	if len(args) == 1 {
		key = schedule.ParseJobKey(args[0])
	}

	return withRuntime(func(ctx context.Context, rt *runtime) error {
		execs, err := history.NewStore(rt.database, rt.cfg.Scheduler.Name).ListExecutions(ctx, key, limit)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(execs)
		}
		if len(execs) == 0 {
			fmt.Printf("%s No executions recorded\n", sym.Pulse)
			return nil
		}

		rows := make([][]string, 0, len(execs))
		for _, e := range execs {
			duration := "-"
			if e.DurationMs != nil {
				duration = (time.Duration(*e.DurationMs) * time.Millisecond).String()
			}
			detail := ""
			if e.ErrorCode != nil {
				detail = *e.ErrorCode
			}
			if e.ErrorMessage != nil {
				detail += ": " + truncate(*e.ErrorMessage, 60)
			}
			if e.RefireCount > 0 {
				detail = fmt.Sprintf("refired %d %s", e.RefireCount, detail)
			}
			rows = append(rows, []string{
				e.JobKey.String(), e.TriggerKey.String(), e.Status,
				e.StartedAt.Local().Format("2006-01-02 15:04:05"), duration, e.InstanceID, orDash(detail),
			})
		}
		return display.Table([]string{"JOB", "TRIGGER", "STATUS", "STARTED", "DURATION", "INSTANCE", "DETAIL"}, rows)
	})
}

func formatTime(t *time.Time) string {
	if t == nil {
		return display.Dim("-")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return display.Dim("-")
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

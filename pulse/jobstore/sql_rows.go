package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/schedule"
)

// querier is satisfied by *sql.DB and *sql.Tx. Helpers take a querier so the
// same code runs inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const jobColumns = `job_name, job_group, description, handler_name,
	is_durable, is_nonconcurrent, is_update_data, requests_recovery, job_data`

const triggerColumns = `trigger_name, trigger_group, job_name, job_group, description,
	calendar_name, priority, misfire_instr, start_time, end_time,
	next_fire_time, prev_fire_time, times_triggered, trigger_state,
	rule_type, rule_data, job_data, instance_id, fire_instance_id,
	scheduled_fire_time, fired_time, recovering`

// triggerRow is a trigger as persisted, with its state and holder
type triggerRow struct {
	trigger *schedule.Trigger
	state   schedule.TriggerState

	holder            string
	fireInstanceID    string
	scheduledFireTime *time.Time
	firedAt           *time.Time
	recovering        bool
}

func (r *triggerRow) release() {
	r.holder = ""
	r.fireInstanceID = ""
	r.scheduledFireTime = nil
	r.firedAt = nil
}

// executing reports whether the row records a running execution, whatever
// pause or block state has been layered on top of it.
func (r *triggerRow) executing() bool {
	return r.fireInstanceID != "" && r.state != schedule.StateAcquired
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanJob(sc scanner) (*schedule.JobDetail, error) {
	var (
		job  schedule.JobDetail
		data string
	)
	err := sc.Scan(&job.Key.Name, &job.Key.Group, &job.Description, &job.HandlerName,
		&job.Durable, &job.DisallowConcurrent, &job.PersistDataAfterExecution, &job.RequestsRecovery, &data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &job.Data); err != nil {
		return nil, errors.Wrapf(err, "job %s has corrupt data", job.Key)
	}
	return &job, nil
}

func scanTrigger(sc scanner) (*triggerRow, error) {
	var (
		t                                   schedule.Trigger
		misfire                             int
		start                               int64
		end, next, prev, scheduled, firedAt sql.NullInt64
		state, ruleType, ruleData, data     string
		holder, fireInstanceID              sql.NullString
		recovering                          bool
	)
	err := sc.Scan(&t.Key.Name, &t.Key.Group, &t.JobKey.Name, &t.JobKey.Group, &t.Description,
		&t.CalendarName, &t.Priority, &misfire, &start, &end,
		&next, &prev, &t.TimesTriggered, &state,
		&ruleType, &ruleData, &data, &holder, &fireInstanceID,
		&scheduled, &firedAt, &recovering)
	if err != nil {
		return nil, err
	}

	rule, err := schedule.DecodeRule(ruleType, []byte(ruleData))
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s has corrupt rule", t.Key)
	}
	if err := json.Unmarshal([]byte(data), &t.Data); err != nil {
		return nil, errors.Wrapf(err, "trigger %s has corrupt data", t.Key)
	}
	t.Rule = rule
	t.MisfireInstruction = schedule.MisfireInstruction(misfire)
	t.StartTime = fromMillis(start)
	t.EndTime = timeFromNull(end)
	t.NextFireTime = timeFromNull(next)
	t.PreviousFireTime = timeFromNull(prev)

	return &triggerRow{
		trigger:           &t,
		state:             schedule.TriggerState(state),
		holder:            holder.String,
		fireInstanceID:    fireInstanceID.String,
		scheduledFireTime: timeFromNull(scheduled),
		firedAt:           timeFromNull(firedAt),
		recovering:        recovering,
	}, nil
}

// collectTriggers drains rows so callers can issue further statements on
// the same connection.
func collectTriggers(rows *sql.Rows) ([]*triggerRow, error) {
	defer rows.Close()
	var out []*triggerRow
	for rows.Next() {
		r, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

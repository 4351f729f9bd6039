package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// SQLOptions configures a SQLStore
type SQLOptions struct {
	Options

	// Clustered enables heartbeats and recovery of failed peers sharing the database
	Clustered bool
	// CheckinInterval is how often a clustered instance records its heartbeat
	CheckinInterval time.Duration
	// CheckinGrace is how far past its interval a peer may be before it is recovered
	CheckinGrace time.Duration
	// Semaphore guards TRIGGER_ACCESS and STATE_ACCESS. Defaults to a LocalSemaphore.
	Semaphore Semaphore
}

// Default heartbeat settings for clustered stores
const (
	DefaultCheckinInterval = 7500 * time.Millisecond
	DefaultCheckinGrace    = 7500 * time.Millisecond
)

// SQLStore is a Store backed by the pulse_* tables of a SQLite database
// opened with db.Open. Every mutation runs in an immediate transaction under
// a named lock and moves trigger state with compare-and-set updates, so
// several instances may share one database file.
type SQLStore struct {
	db       *sql.DB
	opts     SQLOptions
	sem      Semaphore
	log      *zap.SugaredLogger
	signaler Signaler

	mu          sync.Mutex
	stopCheckin context.CancelFunc
	checkinDone chan struct{}
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore returns a store over an already migrated database
func NewSQLStore(db *sql.DB, opts SQLOptions) *SQLStore {
	opts.setDefaults("pulse.jobstore.sql")
	if opts.CheckinInterval <= 0 {
		opts.CheckinInterval = DefaultCheckinInterval
	}
	if opts.CheckinGrace <= 0 {
		opts.CheckinGrace = DefaultCheckinGrace
	}
	if opts.Semaphore == nil {
		opts.Semaphore = NewLocalSemaphore(DefaultLockTimeout)
	}
	return &SQLStore{
		db:       db,
		opts:     opts,
		sem:      opts.Semaphore,
		log:      logger.AddDBSymbol(opts.Logger),
		signaler: nopSignaler{},
	}
}

// inTx runs fn in a transaction while holding lock. Notifications collected
// by fn are delivered only after a successful commit.
func (s *SQLStore) inTx(ctx context.Context, lock string, fn func(q querier, n *notifications) error) error {
	if lock != "" {
		if err := s.sem.ObtainLock(ctx, lock); err != nil {
			return err
		}
		defer func() {
			if err := s.sem.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
				s.log.Warnw("Failed to release lock", logger.FieldLock, lock, logger.FieldError, err)
			}
		}()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence(err, "begin transaction")
	}
	var n notifications
	if err := fn(tx, &n); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warnw("Rollback failed", logger.FieldError, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistence(err, "commit transaction")
	}
	n.deliver(s.signaler)
	return nil
}

// Initialize implements Store
func (s *SQLStore) Initialize(ctx context.Context, signaler Signaler) error {
	if signaler != nil {
		s.signaler = signaler
	}
	if err := s.db.PingContext(ctx); err != nil {
		return persistence(err, "ping")
	}
	s.log.Infow("SQL job store initialized",
		logger.FieldSchedulerName, s.opts.SchedulerName,
		logger.FieldInstanceID, s.opts.InstanceID,
		"clustered", s.opts.Clustered)
	return nil
}

// SchedulerStarted implements Store. Executions lost by a previous run of
// this instance (or, when not clustered, by any instance) are recovered,
// and clustered stores start their heartbeat.
func (s *SQLStore) SchedulerStarted(ctx context.Context) error {
	if !s.opts.Clustered {
		err := s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
			count, err := s.recoverHeld(ctx, q, "", n)
			if count > 0 {
				s.log.Infow("Recovered triggers left by previous run", logger.FieldCount, count)
			}
			return err
		})
		return err
	}

	if err := s.checkin(ctx, true); err != nil {
		return err
	}
	s.startCheckinManager()
	return nil
}

// SchedulerPaused implements Store
func (s *SQLStore) SchedulerPaused(context.Context) {}

// SchedulerResumed implements Store
func (s *SQLStore) SchedulerResumed(context.Context) {}

// Shutdown implements Store. The database handle belongs to the caller and
// stays open.
func (s *SQLStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stopCheckin, s.checkinDone
	s.stopCheckin, s.checkinDone = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	<-done

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pulse_scheduler_state WHERE sched_name = ? AND instance_id = ?`,
		s.opts.SchedulerName, s.opts.InstanceID)
	return persistence(err, "remove scheduler state")
}

// SupportsPersistence implements Store
func (s *SQLStore) SupportsPersistence() bool { return true }

// Clustered implements Store
func (s *SQLStore) Clustered() bool { return s.opts.Clustered }

// EstimatedTimeToReleaseAndAcquireTrigger implements Store
func (s *SQLStore) EstimatedTimeToReleaseAndAcquireTrigger() time.Duration {
	return 70 * time.Millisecond
}

// loadJob returns nil without error when the job does not exist
func (s *SQLStore) loadJob(ctx context.Context, q querier, key schedule.JobKey) (*schedule.JobDetail, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pulse_jobs
		WHERE sched_name = ? AND job_group = ? AND job_name = ?`,
		s.opts.SchedulerName, key.Group, key.Name)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(err, "load job")
	}
	return job, nil
}

// loadTrigger returns nil without error when the trigger does not exist
func (s *SQLStore) loadTrigger(ctx context.Context, q querier, key schedule.TriggerKey) (*triggerRow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM pulse_triggers
		WHERE sched_name = ? AND trigger_group = ? AND trigger_name = ?`,
		s.opts.SchedulerName, key.Group, key.Name)
	r, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(err, "load trigger")
	}
	return r, nil
}

// queryTriggers loads every trigger row matching where (appended after the
// scheduler name condition).
func (s *SQLStore) queryTriggers(ctx context.Context, q querier, where string, args ...any) ([]*triggerRow, error) {
	query := `SELECT ` + triggerColumns + ` FROM pulse_triggers WHERE sched_name = ?`
	if where != "" {
		query += ` AND ` + where
	}
	query += ` ORDER BY trigger_group, trigger_name`
	rows, err := q.QueryContext(ctx, query, append([]any{s.opts.SchedulerName}, args...)...)
	if err != nil {
		return nil, persistence(err, "query triggers")
	}
	out, err := collectTriggers(rows)
	return out, persistence(err, "scan triggers")
}

func (s *SQLStore) jobTriggers(ctx context.Context, q querier, key schedule.JobKey) ([]*triggerRow, error) {
	return s.queryTriggers(ctx, q, `job_group = ? AND job_name = ?`, key.Group, key.Name)
}

// calendarCache loads calendars lazily for the duration of one transaction
type calendarCache struct {
	s   *SQLStore
	ctx context.Context
	q   querier
	m   map[string]schedule.Calendar
}

func (s *SQLStore) calendars(ctx context.Context, q querier) *calendarCache {
	return &calendarCache{s: s, ctx: ctx, q: q, m: make(map[string]schedule.Calendar)}
}

// get returns nil, nil for an empty name or a missing calendar
func (c *calendarCache) get(name string) (schedule.Calendar, error) {
	if name == "" {
		return nil, nil
	}
	if cal, ok := c.m[name]; ok {
		return cal, nil
	}
	cal, err := c.s.loadCalendar(c.ctx, c.q, name)
	if err != nil {
		return nil, err
	}
	c.m[name] = cal
	return cal, nil
}

func (s *SQLStore) loadCalendar(ctx context.Context, q querier, name string) (schedule.Calendar, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT calendar_data FROM pulse_calendars
		WHERE sched_name = ? AND calendar_name = ?`, s.opts.SchedulerName, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(err, "load calendar")
	}
	return schedule.DecodeCalendar([]byte(data))
}

func (s *SQLStore) insertTrigger(ctx context.Context, q querier, r *triggerRow) error {
	t := r.trigger
	kind, rule, err := schedule.EncodeRule(t.Rule)
	if err != nil {
		return err
	}
	data, err := json.Marshal(t.Data)
	if err != nil {
		return errors.Wrap(err, "failed to encode trigger data")
	}
	_, err = q.ExecContext(ctx, `INSERT INTO pulse_triggers (sched_name, `+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.opts.SchedulerName,
		t.Key.Name, t.Key.Group, t.JobKey.Name, t.JobKey.Group, t.Description,
		t.CalendarName, t.Priority, int(t.MisfireInstruction), millis(t.StartTime), nullMillis(t.EndTime),
		nullMillis(t.NextFireTime), nullMillis(t.PreviousFireTime), t.TimesTriggered, string(r.state),
		kind, string(rule), string(data), nullString(r.holder), nullString(r.fireInstanceID),
		nullMillis(r.scheduledFireTime), nullMillis(r.firedAt), r.recovering,
	)
	return persistence(err, "insert trigger")
}

// saveTrigger writes back the columns that change while a trigger is scheduled
func (s *SQLStore) saveTrigger(ctx context.Context, q querier, r *triggerRow) error {
	t := r.trigger
	_, err := q.ExecContext(ctx, `UPDATE pulse_triggers
		SET next_fire_time = ?, prev_fire_time = ?, times_triggered = ?, trigger_state = ?,
		    instance_id = ?, fire_instance_id = ?, scheduled_fire_time = ?, fired_time = ?, recovering = ?
		WHERE sched_name = ? AND trigger_group = ? AND trigger_name = ?`,
		nullMillis(t.NextFireTime), nullMillis(t.PreviousFireTime), t.TimesTriggered, string(r.state),
		nullString(r.holder), nullString(r.fireInstanceID), nullMillis(r.scheduledFireTime), nullMillis(r.firedAt), r.recovering,
		s.opts.SchedulerName, t.Key.Group, t.Key.Name)
	return persistence(err, "update trigger")
}

// casState moves a trigger from one state to another only if it is still in
// from, reporting whether this caller won.
func (s *SQLStore) casState(ctx context.Context, q querier, key schedule.TriggerKey, from, to schedule.TriggerState, holder, fireInstanceID string, firedAt *time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE pulse_triggers
		SET trigger_state = ?, instance_id = ?, fire_instance_id = ?, fired_time = ?
		WHERE sched_name = ? AND trigger_group = ? AND trigger_name = ? AND trigger_state = ?`,
		string(to), nullString(holder), nullString(fireInstanceID), nullMillis(firedAt),
		s.opts.SchedulerName, key.Group, key.Name, string(from))
	if err != nil {
		return false, persistence(err, "update trigger state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistence(err, "update trigger state")
	}
	return n == 1, nil
}

// jobBlocked reports whether a non-concurrent job has an execution in
// flight through a trigger other than except.
func (s *SQLStore) jobBlocked(ctx context.Context, q querier, key schedule.JobKey, except schedule.TriggerKey) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_triggers t
		JOIN pulse_jobs j ON j.sched_name = t.sched_name AND j.job_group = t.job_group AND j.job_name = t.job_name
		WHERE t.sched_name = ? AND t.job_group = ? AND t.job_name = ?
		  AND j.is_nonconcurrent = 1
		  AND t.fire_instance_id IS NOT NULL AND t.trigger_state <> ?
		  AND NOT (t.trigger_group = ? AND t.trigger_name = ?)`,
		s.opts.SchedulerName, key.Group, key.Name, string(schedule.StateAcquired),
		except.Group, except.Name).Scan(&n)
	if err != nil {
		return false, persistence(err, "check blocked job")
	}
	return n > 0, nil
}

// groupPaused reports whether new triggers for t start PAUSED
func (s *SQLStore) groupPaused(ctx context.Context, q querier, t *schedule.Trigger) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM pulse_paused_trigger_groups WHERE sched_name = ? AND trigger_group = ?) +
		(SELECT COUNT(*) FROM pulse_paused_job_groups WHERE sched_name = ? AND job_group = ?)`,
		s.opts.SchedulerName, t.Key.Group, s.opts.SchedulerName, t.JobKey.Group).Scan(&n)
	if err != nil {
		return false, persistence(err, "check paused groups")
	}
	return n > 0, nil
}

func (s *SQLStore) now() time.Time { return s.opts.now() }

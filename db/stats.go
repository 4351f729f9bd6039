package db

import (
	"database/sql"

	"github.com/teranos/tempo/errors"
)

// Tables holding scheduler state, in display order
var Tables = []string{
	"pulse_jobs",
	"pulse_triggers",
	"pulse_calendars",
	"pulse_paused_trigger_groups",
	"pulse_paused_job_groups",
	"pulse_scheduler_state",
	"pulse_executions",
}

// TableStat is the row count of one table
type TableStat struct {
	Table string
	Rows  int64
}

// Stats counts rows in every scheduler table
func Stats(db *sql.DB) ([]TableStat, error) {
	out := make([]TableStat, 0, len(Tables))
	for _, table := range Tables {
		var n int64
		// Table names come from the fixed list above
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "count %s", table)
		}
		out = append(out, TableStat{Table: table, Rows: n})
	}
	return out, nil
}

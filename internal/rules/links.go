package rules

import (
	"context"
	"database/sql"

	"github.com/micasa-home/micasa/internal/database"
)

// Link is one row of the links table: when the source device transitions
// to Value, drive the target device to TargetValue after After seconds,
// optionally reverting after For seconds.
type Link struct {
	ID             int64
	Name           string
	DeviceID       int64
	TargetDeviceID int64
	Value          string
	TargetValue    string
	After          int
	For            int
	Clear          bool
	Enabled        bool
}

// Options converts the link's columns to planner options.
func (l Link) Options() TaskOptions {
	opts := DefaultOptions()
	opts.After = float64(l.After)
	opts.For = float64(l.For)
	opts.Clear = l.Clear
	return opts
}

// LinksForValue returns the enabled links whose source device and trigger
// value match and whose target is set.
func LinksForValue(ctx context.Context, db *database.DB, deviceID int64, value string) ([]Link, error) {
	rows, err := db.Query(ctx, `
		SELECT id, name, device_id, target_device_id, value, target_value, after, "for", clear, enabled
		FROM links
		WHERE device_id = ? AND value = ? AND enabled = 1 AND target_device_id IS NOT NULL`,
		deviceID, value)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Link
	for rows.Next() {
		var (
			l              Link
			name           sql.NullString
			targetValue    sql.NullString
			after, forSecs sql.NullInt64
			clear, enabled int
		)
		if err := rows.Scan(&l.ID, &name, &l.DeviceID, &l.TargetDeviceID, &l.Value, &targetValue, &after, &forSecs, &clear, &enabled); err != nil {
			return nil, err
		}
		l.Name = name.String
		l.TargetValue = targetValue.String
		l.After = int(after.Int64)
		l.For = int(forSecs.Int64)
		l.Clear = clear == 1
		l.Enabled = enabled == 1
		out = append(out, l)
	}
	return out, rows.Err()
}

// Timer is one row of the timers table.
type Timer struct {
	ID      int64
	Name    string
	Cron    string
	Enabled bool
}

// EnabledTimers returns every enabled timer row.
func EnabledTimers(ctx context.Context, db *database.DB) ([]Timer, error) {
	rows, err := db.Query(ctx, "SELECT id, name, cron, enabled FROM timers WHERE enabled = 1")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Timer
	for rows.Next() {
		var t Timer
		var enabled int
		if err := rows.Scan(&t.ID, &t.Name, &t.Cron, &enabled); err != nil {
			return nil, err
		}
		t.Enabled = enabled == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// DisableTimer flips a timer row off, used when its cron expression fails
// to parse.
func DisableTimer(ctx context.Context, db *database.DB, id int64) error {
	_, err := db.Exec(ctx, "UPDATE timers SET enabled = 0 WHERE id = ?", id)
	return err
}

// TimerDevice is one x_timer_devices row: when the timer fires, the
// device is driven to Value.
type TimerDevice struct {
	DeviceID int64
	Value    string
}

// TimerDevices returns the device targets of a timer.
func TimerDevices(ctx context.Context, db *database.DB, timerID int64) ([]TimerDevice, error) {
	rows, err := db.Query(ctx, `
		SELECT x.device_id, x.value FROM x_timer_devices x
		JOIN devices d ON d.id = x.device_id
		WHERE x.timer_id = ? AND d.enabled = 1`, timerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TimerDevice
	for rows.Next() {
		var td TimerDevice
		if err := rows.Scan(&td.DeviceID, &td.Value); err != nil {
			return nil, err
		}
		out = append(out, td)
	}
	return out, rows.Err()
}

package device

import (
	"context"
	"fmt"
	"time"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/settings"
)

// Retention defaults, overridable per device.
const (
	defaultHistoryDays  = 31 // days of fine-grained history
	defaultTrendsMonths = 24 // months of hourly trends (Level, Counter)
)

// levelBucket is the history granularity for Level devices.
const levelBucket = 5 * time.Minute

// persistValue writes the accepted value to the kind's history table.
// Switch, Text and Counter append raw rows; Level maintains a running
// average per 5-minute bucket.
func (d *Device) persistValue(ctx context.Context, v any, at time.Time) error {
	switch d.kind {
	case KindSwitch:
		_, err := d.db.Exec(ctx,
			"INSERT INTO device_switch_history (device_id, value, date) VALUES (?, ?, ?)",
			d.id, v, at.UTC())
		return err
	case KindText:
		_, err := d.db.Exec(ctx,
			"INSERT INTO device_text_history (device_id, value, date) VALUES (?, ?, ?)",
			d.id, v, at.UTC())
		return err
	case KindCounter:
		_, err := d.db.Exec(ctx,
			"INSERT INTO device_counter_history (device_id, value, date) VALUES (?, ?, ?)",
			d.id, v, at.UTC())
		return err
	case KindLevel:
		bucket := at.UTC().Truncate(levelBucket)
		_, err := d.db.Exec(ctx, `
			INSERT INTO device_level_history (device_id, date, value, samples) VALUES (?, ?, ?, 1)
			ON CONFLICT(device_id, date) DO UPDATE SET
				value = ((value * samples) + excluded.value) / (samples + 1),
				samples = samples + 1`,
			d.id, bucket, v)
		return err
	}
	return fmt.Errorf("%w: unknown kind %d", ErrBadValue, int(d.kind))
}

// updateTrends recomputes the hourly trend rows from recent history. The
// earliest hour in the window is skipped: it is usually a partial bucket
// and would bias the aggregate.
func (d *Device) updateTrends(ctx context.Context) error {
	switch d.kind {
	case KindCounter:
		rows, err := database.Rows(ctx, d.db, `
			SELECT strftime('%Y-%m-%d %H:00:00', date) AS hour,
			       MAX(value) AS max_value, MIN(value) AS min_value
			FROM device_counter_history
			WHERE device_id = ? AND date >= datetime('now', '-1 day')
			GROUP BY hour ORDER BY hour ASC`, d.id)
		if err != nil {
			return err
		}
		for i, row := range rows {
			if i == 0 && len(rows) > 1 {
				continue
			}
			maxV, _ := numeric(row["max_value"])
			minV, _ := numeric(row["min_value"])
			if _, err := d.db.Exec(ctx, `
				INSERT INTO device_counter_trends (device_id, last, diff, date) VALUES (?, ?, ?, ?)
				ON CONFLICT(device_id, date) DO UPDATE SET last = excluded.last, diff = excluded.diff`,
				d.id, maxV, maxV-minV, row["hour"]); err != nil {
				return err
			}
		}
		return nil
	case KindLevel:
		rows, err := database.Rows(ctx, d.db, `
			SELECT strftime('%Y-%m-%d %H:00:00', date) AS hour,
			       MIN(value) AS min_value, MAX(value) AS max_value, AVG(value) AS avg_value
			FROM device_level_history
			WHERE device_id = ? AND date >= datetime('now', '-1 day')
			GROUP BY hour ORDER BY hour ASC`, d.id)
		if err != nil {
			return err
		}
		for i, row := range rows {
			if i == 0 && len(rows) > 1 {
				continue
			}
			minV, _ := numeric(row["min_value"])
			maxV, _ := numeric(row["max_value"])
			avgV, _ := numeric(row["avg_value"])
			if _, err := d.db.Exec(ctx, `
				INSERT INTO device_level_trends (device_id, date, min, max, average) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(device_id, date) DO UPDATE SET
					min = excluded.min, max = excluded.max, average = excluded.average`,
				d.id, row["hour"], minV, maxV, avgV); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// purgeHistory enforces the retention settings: history older than
// history_retention days, and for Level and Counter trends older than
// trends_retention months.
func (d *Device) purgeHistory(ctx context.Context) error {
	days := d.cfg.GetInt(settings.HistoryRetention, defaultHistoryDays)
	months := d.cfg.GetInt(settings.TrendsRetention, defaultTrendsMonths)
	dayCut := fmt.Sprintf("-%d days", days)
	monthCut := fmt.Sprintf("-%d months", months)

	var historyTable, trendsTable string
	switch d.kind {
	case KindSwitch:
		historyTable = "device_switch_history"
	case KindText:
		historyTable = "device_text_history"
	case KindCounter:
		historyTable, trendsTable = "device_counter_history", "device_counter_trends"
	case KindLevel:
		historyTable, trendsTable = "device_level_history", "device_level_trends"
	}

	if _, err := d.db.Exec(ctx,
		"DELETE FROM "+historyTable+" WHERE device_id = ? AND date < datetime('now', ?)",
		d.id, dayCut); err != nil {
		return err
	}
	if trendsTable != "" {
		if _, err := d.db.Exec(ctx,
			"DELETE FROM "+trendsTable+" WHERE device_id = ? AND date < datetime('now', ?)",
			d.id, monthCut); err != nil {
			return err
		}
	}
	return nil
}

// groupFormats maps a grouping to the strftime expression that buckets the
// date column.
var groupFormats = map[string]string{
	"hour":  "strftime('%Y-%m-%d %H:00:00', date)",
	"day":   "strftime('%Y-%m-%d 00:00:00', date)",
	"month": "strftime('%Y-%m-01 00:00:00', date)",
	"year":  "strftime('%Y-01-01 00:00:00', date)",
	"5min": "strftime('%Y-%m-%d %H:', date) || printf('%02d', (CAST(strftime('%M', date) AS INTEGER) / 5) * 5) || ':00'",
}

// windowModifier converts a range plus interval into a SQLite datetime
// modifier.
func windowModifier(rangeN int, interval string) (string, error) {
	if rangeN <= 0 {
		rangeN = 1
	}
	switch interval {
	case "hour":
		return fmt.Sprintf("-%d hours", rangeN), nil
	case "day":
		return fmt.Sprintf("-%d days", rangeN), nil
	case "week":
		return fmt.Sprintf("-%d days", rangeN*7), nil
	case "month":
		return fmt.Sprintf("-%d months", rangeN), nil
	case "year":
		return fmt.Sprintf("-%d years", rangeN), nil
	}
	return "", fmt.Errorf("%w: interval %q", ErrBadValue, interval)
}

// GetData returns history rows for the given window. Level and Counter
// group per the requested bucket; Switch and Text ignore the grouping and
// return raw rows. Rows are ordered ascending by date.
func (d *Device) GetData(ctx context.Context, rangeN int, interval, group string) ([]map[string]any, error) {
	window, err := windowModifier(rangeN, interval)
	if err != nil {
		return nil, err
	}

	switch d.kind {
	case KindSwitch, KindText:
		table := "device_switch_history"
		if d.kind == KindText {
			table = "device_text_history"
		}
		return database.Rows(ctx, d.db, `
			SELECT CAST(strftime('%s', date) AS INTEGER) AS timestamp, date, value
			FROM `+table+`
			WHERE device_id = ? AND date >= datetime('now', ?)
			ORDER BY date ASC`, d.id, window)
	case KindCounter:
		if group == "5min" {
			return nil, fmt.Errorf("%w: counter devices do not support 5min grouping", ErrBadValue)
		}
		expr, ok := groupFormats[group]
		if !ok {
			expr = groupFormats["day"]
		}
		return database.Rows(ctx, d.db, `
			SELECT CAST(strftime('%s', `+expr+`) AS INTEGER) AS timestamp,
			       `+expr+` AS date, SUM(diff) AS value
			FROM device_counter_trends
			WHERE device_id = ? AND date >= datetime('now', ?)
			GROUP BY `+expr+` ORDER BY date ASC`, d.id, window)
	case KindLevel:
		if group == "5min" {
			return database.Rows(ctx, d.db, `
				SELECT CAST(strftime('%s', date) AS INTEGER) AS timestamp, date, value
				FROM device_level_history
				WHERE device_id = ? AND date >= datetime('now', ?)
				ORDER BY date ASC`, d.id, window)
		}
		expr, ok := groupFormats[group]
		if !ok {
			expr = groupFormats["day"]
		}
		return database.Rows(ctx, d.db, `
			SELECT CAST(strftime('%s', `+expr+`) AS INTEGER) AS timestamp,
			       `+expr+` AS date, AVG(average) AS value,
			       MIN(min) AS minimum, MAX(max) AS maximum
			FROM device_level_trends
			WHERE device_id = ? AND date >= datetime('now', ?)
			GROUP BY `+expr+` ORDER BY date ASC`, d.id, window)
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrBadValue, int(d.kind))
}

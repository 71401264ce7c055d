package scripting

import (
	"context"

	"github.com/micasa-home/micasa/internal/database"
)

// Script is one row of the scripts table.
type Script struct {
	ID      int64
	Name    string
	Code    string
	Enabled bool
}

func scanScripts(ctx context.Context, db *database.DB, query string, args ...any) ([]Script, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Script
	for rows.Next() {
		var s Script
		var enabled int
		if err := rows.Scan(&s.ID, &s.Name, &s.Code, &enabled); err != nil {
			return nil, err
		}
		s.Enabled = enabled == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

// ScriptsForDevice returns the enabled scripts bound to a device.
func ScriptsForDevice(ctx context.Context, db *database.DB, deviceID int64) ([]Script, error) {
	return scanScripts(ctx, db, `
		SELECT s.id, s.name, s.code, s.enabled FROM scripts s
		JOIN x_device_scripts x ON x.script_id = s.id
		WHERE x.device_id = ? AND s.enabled = 1`, deviceID)
}

// ScriptsForTimer returns the enabled scripts bound to a timer.
func ScriptsForTimer(ctx context.Context, db *database.DB, timerID int64) ([]Script, error) {
	return scanScripts(ctx, db, `
		SELECT s.id, s.name, s.code, s.enabled FROM scripts s
		JOIN x_timer_scripts x ON x.script_id = s.id
		WHERE x.timer_id = ? AND s.enabled = 1`, timerID)
}

// ScriptByName returns an enabled script by name.
func ScriptByName(ctx context.Context, db *database.DB, name string) (Script, error) {
	scripts, err := scanScripts(ctx, db,
		"SELECT id, name, code, enabled FROM scripts WHERE name = ? AND enabled = 1", name)
	if err != nil {
		return Script{}, err
	}
	if len(scripts) == 0 {
		return Script{}, database.ErrNoResults
	}
	return scripts[0], nil
}

// DisableScript flips a script row off after a syntax or internal error.
func DisableScript(ctx context.Context, db *database.DB, id int64) error {
	_, err := db.Exec(ctx, "UPDATE scripts SET enabled = 0 WHERE id = ?", id)
	return err
}

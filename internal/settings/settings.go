// Package settings implements the per-entity key/value bag backing plugin,
// device, and user configuration, plus the process-wide singleton table.
//
// A Settings instance keeps an in-memory copy of its rows and a dirty key
// set. Commit pushes every dirty key back to the store: present keys are
// upserted, absent keys deleted. Keys beginning with "_" are system keys;
// the declare paths use that marker to decide which values may overwrite
// an existing configuration.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/micasa-home/micasa/internal/database"
)

// SystemPrefix marks keys owned by the daemon rather than the user.
const SystemPrefix = "_"

// Well-known device setting keys.
const (
	AllowedUpdateSources = "_allowed_update_sources"
	MinimumUserRights    = "minimum_user_rights"
	IgnoreDuplicates     = "ignore_duplicates"
	RateLimit            = "rate_limit"
	HistoryRetention     = "history_retention"
	TrendsRetention      = "trends_retention"
	DefaultSubtype       = "_default_subtype"
	DefaultUnit          = "_default_unit"
	BatteryLevel         = "_battery_level"
	SignalStrength       = "_signal_strength"
)

// IsSystemKey reports whether key is reserved for the daemon.
func IsSystemKey(key string) bool {
	return strings.HasPrefix(key, SystemPrefix)
}

// Settings is one entity's key/value bag. The zero value is not usable;
// construct with one of the New* helpers and call Load before first use.
type Settings struct {
	mu       sync.Mutex
	db       *database.DB
	table    string // settings table, e.g. "device_settings"
	column   string // owning id column, e.g. "device_id"; "" = singleton
	entityID int64
	values   map[string]string
	dirty    map[string]struct{}
}

// NewForPlugin returns the settings bag for one plugin row.
func NewForPlugin(db *database.DB, pluginID int64) *Settings {
	return newSettings(db, "plugin_settings", "plugin_id", pluginID)
}

// NewForDevice returns the settings bag for one device row.
func NewForDevice(db *database.DB, deviceID int64) *Settings {
	return newSettings(db, "device_settings", "device_id", deviceID)
}

// NewForUser returns the settings bag for one user row.
func NewForUser(db *database.DB, userID int64) *Settings {
	return newSettings(db, "user_settings", "user_id", userID)
}

// NewProcess returns the process-wide settings bag (singleton table).
func NewProcess(db *database.DB) *Settings {
	return newSettings(db, "settings", "", 0)
}

func newSettings(db *database.DB, table, column string, id int64) *Settings {
	return &Settings{
		db:       db,
		table:    table,
		column:   column,
		entityID: id,
		values:   make(map[string]string),
		dirty:    make(map[string]struct{}),
	}
}

// Load replaces the in-memory copy with the persisted rows and clears the
// dirty set.
func (s *Settings) Load(ctx context.Context) error {
	query := "SELECT key, value FROM " + s.table
	var args []any
	if s.column != "" {
		query += " WHERE " + s.column + " = ?"
		args = append(args, s.entityID)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load settings from %s: %w", s.table, err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("%w: %v", database.ErrInvalidResult, err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.values = values
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()
	return nil
}

// Get returns the raw value for key.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value for key, or def when absent.
func (s *Settings) GetString(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// GetInt returns the value for key parsed as an integer, or def when
// absent or unparsable.
func (s *Settings) GetInt(key string, def int64) int64 {
	if v, ok := s.Get(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

// GetFloat returns the value for key parsed as a float, or def.
func (s *Settings) GetFloat(key string, def float64) float64 {
	if v, ok := s.Get(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool returns the value for key parsed as a boolean, or def. Accepts
// the usual strconv forms plus "yes"/"no".
func (s *Settings) GetBool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y":
		return true
	case "no", "n":
		return false
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		return b
	}
	return def
}

// GetJSON unmarshals the value for key into dest.
func (s *Settings) GetJSON(key string, dest any) error {
	v, ok := s.Get(key)
	if !ok {
		return database.ErrNoResults
	}
	return json.Unmarshal([]byte(v), dest)
}

// Put sets key to value and marks it dirty.
func (s *Settings) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty[key] = struct{}{}
}

// PutValue stores any scalar via its default string form.
func (s *Settings) PutValue(key string, value any) {
	s.Put(key, fmt.Sprint(value))
}

// Remove deletes key from the bag. The deletion is applied to the store on
// the next Commit.
func (s *Settings) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	s.dirty[key] = struct{}{}
}

// Contains reports whether every given key is present.
func (s *Settings) Contains(keys ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.values[k]; !ok {
			return false
		}
	}
	return true
}

// Insert puts every pair from kv, marking each key dirty.
func (s *Settings) Insert(kv map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.values[k] = v
		s.dirty[k] = struct{}{}
	}
}

// IsDirty reports whether any key changed since the last Load or Commit.
func (s *Settings) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) > 0
}

// Count returns the number of keys currently in the bag.
func (s *Settings) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Commit flushes every dirty key: present keys are upserted, absent keys
// deleted. The dirty set is cleared only for keys that flushed cleanly.
func (s *Settings) Commit(ctx context.Context) error {
	s.mu.Lock()
	type op struct {
		key    string
		value  string
		delete bool
	}
	ops := make([]op, 0, len(s.dirty))
	for k := range s.dirty {
		v, ok := s.values[k]
		ops = append(ops, op{key: k, value: v, delete: !ok})
	}
	s.mu.Unlock()

	var firstErr error
	flushed := make([]string, 0, len(ops))
	for _, o := range ops {
		var err error
		if o.delete {
			err = s.execDelete(ctx, o.key)
		} else {
			err = s.execUpsert(ctx, o.key, o.value)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to commit setting %q: %w", o.key, err)
			}
			continue
		}
		flushed = append(flushed, o.key)
	}

	s.mu.Lock()
	for _, k := range flushed {
		delete(s.dirty, k)
	}
	s.mu.Unlock()
	return firstErr
}

func (s *Settings) execUpsert(ctx context.Context, key, value string) error {
	if s.column == "" {
		_, err := s.db.Exec(ctx,
			"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value)
		return err
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO "+s.table+" ("+s.column+", key, value) VALUES (?, ?, ?) ON CONFLICT("+s.column+", key) DO UPDATE SET value = excluded.value",
		s.entityID, key, value)
	return err
}

func (s *Settings) execDelete(ctx context.Context, key string) error {
	if s.column == "" {
		_, err := s.db.Exec(ctx, "DELETE FROM settings WHERE key = ?", key)
		return err
	}
	_, err := s.db.Exec(ctx, "DELETE FROM "+s.table+" WHERE "+s.column+" = ? AND key = ?", s.entityID, key)
	return err
}

// Package device implements the typed device model and its update
// pipeline. A Device is a tagged variant over four kinds (Switch, Level,
// Counter, Text); the pipeline validates a new reading, routes it through
// the owning plugin for veto, persists it to history, and notifies the
// event sink.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/settings"
)

// Kind tags the four device variants. Values are wire format (the devices
// table stores the integer).
type Kind int

const (
	KindSwitch  Kind = 1
	KindLevel   Kind = 2
	KindCounter Kind = 3
	KindText    Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindSwitch:
		return "switch"
	case KindLevel:
		return "level"
	case KindCounter:
		return "counter"
	case KindText:
		return "text"
	}
	return "unknown"
}

// Update rejection reasons surfaced by the pipeline.
var (
	ErrDisabled      = errors.New("device disabled")
	ErrSourceBlocked = errors.New("update source not allowed")
	ErrDuplicate     = errors.New("duplicate value ignored")
	ErrOutOfRange    = errors.New("value out of range")
	ErrRejected      = errors.New("update rejected by plugin")
	ErrBadValue      = errors.New("value has wrong type for device kind")
)

// Hardware is the device's non-owning view of its plugin. The plugin holds
// the strong reference to the device, never the other way around.
type Hardware interface {
	Reference() string
	// Running reports whether the plugin reached READY (it may since have
	// moved on to SLEEPING or a failure state; gates that key off "plugin
	// state >= READY" use this).
	Running() bool
	// DeviceUpdate is the plugin's veto-and-apply hook. A non-nil error
	// rejects the update and reverts the device; apply=false accepts the
	// update without persisting or notifying.
	DeviceUpdate(src Source, d *Device, owned bool) (apply bool, err error)
}

// EventSink receives pipeline notifications; the controller implements it.
type EventSink interface {
	// NewEvent fires after every successful, persisted value change.
	NewEvent(d *Device, src Source)
	// ObserveSwitch offers a staged switch value to every non-owning
	// plugin (owned=false). The first rejection wins.
	ObserveSwitch(src Source, d *Device) error
}

// rateWindow accumulates updates while a rate-limit window is open.
type rateWindow struct {
	task    *scheduler.Task
	source  Source
	value   any
	sum     float64
	samples int
}

// Device is one typed value carrier owned by a plugin.
type Device struct {
	id        int64
	pluginID  int64
	reference string
	kind      Kind

	hw     Hardware
	events EventSink
	db     *database.DB
	cfg    *settings.Settings
	sched  *scheduler.Scheduler
	log    *slog.Logger

	// updateMu serializes whole pipeline passes; mu guards field access.
	updateMu sync.Mutex

	mu         sync.Mutex
	label      string
	enabled    bool
	value      any
	previous   any
	lastUpdate time.Time
	lastSource Source
	window     *rateWindow
}

// Config bundles the construction parameters.
type Config struct {
	ID        int64
	PluginID  int64
	Reference string
	Label     string
	Kind      Kind
	Enabled   bool

	Hardware Hardware
	Events   EventSink
	DB       *database.DB
	Settings *settings.Settings
	Sched    *scheduler.Scheduler
	Log      *slog.Logger
}

// New constructs a device from its persisted row. Settings must already be
// loaded.
func New(cfg Config) *Device {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		id:        cfg.ID,
		pluginID:  cfg.PluginID,
		reference: cfg.Reference,
		kind:      cfg.Kind,
		label:     cfg.Label,
		enabled:   cfg.Enabled,
		hw:        cfg.Hardware,
		events:    cfg.Events,
		db:        cfg.DB,
		cfg:       cfg.Settings,
		sched:     cfg.Sched,
		log:       log.With("device", cfg.Reference),
	}
}

func (d *Device) ID() int64                    { return d.id }
func (d *Device) PluginID() int64              { return d.pluginID }
func (d *Device) Reference() string            { return d.reference }
func (d *Device) Kind() Kind                   { return d.kind }
func (d *Device) Settings() *settings.Settings { return d.cfg }
func (d *Device) Hardware() Hardware           { return d.hw }

// Label returns the declared label.
func (d *Device) Label() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.label
}

// SetLabel updates the in-memory and persisted label.
func (d *Device) SetLabel(ctx context.Context, label string) error {
	d.mu.Lock()
	d.label = label
	d.mu.Unlock()
	_, err := d.db.Exec(ctx, "UPDATE devices SET label = ? WHERE id = ?", label, d.id)
	return err
}

// Name returns the user-set name override, falling back to the label.
func (d *Device) Name() string {
	if name, ok := d.cfg.Get("name"); ok && name != "" {
		return name
	}
	return d.Label()
}

// Enabled reports whether the device accepts non-plugin updates and
// records history.
func (d *Device) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetEnabled flips the enabled flag in memory and in the devices table.
func (d *Device) SetEnabled(ctx context.Context, enabled bool) error {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
	v := 0
	if enabled {
		v = 1
	}
	_, err := d.db.Exec(ctx, "UPDATE devices SET enabled = ? WHERE id = ?", v, d.id)
	return err
}

// Value returns the current value (nil before the first update).
func (d *Device) Value() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// PreviousValue returns the value before the most recent successful apply.
func (d *Device) PreviousValue() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previous
}

// LastUpdate returns when the last successful update was applied.
func (d *Device) LastUpdate() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastUpdate
}

// LastSource returns the source of the last successful update.
func (d *Device) LastSource() Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSource
}

// SetInitialValue seeds the in-memory value without running the pipeline,
// used when restoring the latest persisted reading at startup.
func (d *Device) SetInitialValue(v any, at time.Time, src Source) {
	d.mu.Lock()
	d.value = v
	d.previous = v
	d.lastUpdate = at
	d.lastSource = src
	d.mu.Unlock()
}

// AllowedSources returns the configured source mask (default: any).
func (d *Device) AllowedSources() Source {
	return Source(d.cfg.GetInt(settings.AllowedUpdateSources, int64(SourceAny)))
}

// SubType returns the configured subtype, falling back to the declared
// default.
func (d *Device) SubType() string {
	return d.cfg.GetString("subtype", d.cfg.GetString(settings.DefaultSubtype, ""))
}

// Unit returns the configured unit tag (Level and Counter).
func (d *Device) Unit() string {
	return d.cfg.GetString("unit", d.cfg.GetString(settings.DefaultUnit, ""))
}

// Start schedules the device's periodic maintenance: hourly trend
// aggregation (Level and Counter) and history/trend retention. A random
// initial offset keeps the fleet from running in lockstep.
func (d *Device) Start() {
	offset := time.Duration(rand.Int63n(int64(time.Hour)))
	if d.kind == KindLevel || d.kind == KindCounter {
		d.sched.Schedule(offset, time.Hour, scheduler.RepeatInfinite, d, func(*scheduler.Task) any {
			if err := d.updateTrends(context.Background()); err != nil {
				d.log.Error("trend aggregation failed", "error", err)
			}
			return nil
		})
	}
	d.sched.Schedule(offset+time.Minute, time.Hour, scheduler.RepeatInfinite, d, func(*scheduler.Task) any {
		if err := d.purgeHistory(context.Background()); err != nil {
			d.log.Error("history retention failed", "error", err)
		}
		return nil
	})
}

// Stop erases every task the device owns, joining any in-flight run.
func (d *Device) Stop() {
	d.sched.Erase(nil)
}

// Scheduler returns the device's owner handle; the rule planner schedules
// target updates onto it so a clear can erase them all.
func (d *Device) Scheduler() *scheduler.Scheduler { return d.sched }

// JSON returns the API shape of the device.
func (d *Device) JSON() map[string]any {
	d.mu.Lock()
	value := d.value
	previous := d.previous
	lastUpdate := d.lastUpdate
	lastSource := d.lastSource
	label := d.label
	enabled := d.enabled
	d.mu.Unlock()

	out := map[string]any{
		"id":          d.id,
		"plugin_id":   d.pluginID,
		"reference":   d.reference,
		"label":       label,
		"name":        d.Name(),
		"type":        d.kind.String(),
		"enabled":     enabled,
		"value":       value,
		"previous":    previous,
		"last_update": lastUpdate.UTC().Format(time.RFC3339),
		"source":      int(lastSource),
	}
	if st := d.SubType(); st != "" {
		out["subtype"] = st
	}
	if u := d.Unit(); u != "" {
		out["unit"] = u
	}
	if v, ok := d.cfg.Get(settings.BatteryLevel); ok {
		if n, err := strconv.Atoi(v); err == nil {
			out["battery_level"] = n
		}
	}
	if v, ok := d.cfg.Get(settings.SignalStrength); ok {
		if n, err := strconv.Atoi(v); err == nil {
			out["signal_strength"] = n
		}
	}
	return out
}

// valueEqual compares two values of this device's kind.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a == b
}

// numeric coerces the accepted numeric input forms to float64.
func numeric(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrBadValue, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrBadValue, v)
}

// Package plugin implements the integration base: lifecycle states, the
// per-plugin device registry, and idempotent device declaration. Concrete
// integrations implement Instance and register a factory under their type
// tag; the controller builds the plugin tree from the plugins table.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/settings"
)

// State is the plugin lifecycle state. The numeric order matters: gates in
// the update pipeline test "state >= READY".
type State int

const (
	StateDisabled State = iota + 1
	StateInit
	StateReady
	StateFailed
	StateSleeping
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateSleeping:
		return "sleeping"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ErrNotFound is returned by the lookup helpers.
var ErrNotFound = errors.New("not found")

// ErrUnknownType is returned when no factory is registered for a type tag.
var ErrUnknownType = errors.New("unknown plugin type")

// Instance is the behavior of one concrete integration. Start and Stop may
// block for a few seconds at most; long-running work must be rescheduled
// onto the plugin's scheduler handle.
type Instance interface {
	Start(ctx context.Context, p *Plugin) error
	Stop(ctx context.Context, p *Plugin) error
	// UpdateDevice is the veto-and-apply hook; owned is false when the
	// device belongs to another plugin (switch observation).
	UpdateDevice(src device.Source, d *device.Device, owned bool) (apply bool, err error)
}

// Factory builds a fresh instance for one plugin row.
type Factory func() Instance

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register installs a factory for a plugin type tag. Usually called from
// an init function in the concrete plugin's package.
func Register(typ string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typ] = f
}

// NewInstance builds an instance for the given type tag.
func NewInstance(typ string) (Instance, error) {
	registryMu.Lock()
	f, ok := registry[typ]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return f(), nil
}

// Plugin is one row of the plugin tree plus its runtime state.
type Plugin struct {
	id        int64
	reference string
	typ       string
	parent    *Plugin
	enabled   bool

	db       *database.DB
	cfg      *settings.Settings
	sched    *scheduler.Scheduler
	events   device.EventSink
	log      *slog.Logger
	instance Instance

	mu       sync.Mutex
	state    State
	devices  map[string]*device.Device // by reference
	children []*Plugin
}

// Config bundles construction parameters for a plugin row.
type Config struct {
	ID        int64
	Reference string
	Type      string
	Parent    *Plugin
	Enabled   bool

	DB       *database.DB
	Settings *settings.Settings
	Sched    *scheduler.Scheduler
	Events   device.EventSink
	Log      *slog.Logger
	Instance Instance
}

// New constructs a plugin in the DISABLED state.
func New(cfg Config) *Plugin {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	p := &Plugin{
		id:        cfg.ID,
		reference: cfg.Reference,
		typ:       cfg.Type,
		parent:    cfg.Parent,
		enabled:   cfg.Enabled,
		db:        cfg.DB,
		cfg:       cfg.Settings,
		sched:     cfg.Sched,
		events:    cfg.Events,
		log:       log.With("plugin", cfg.Reference),
		instance:  cfg.Instance,
		state:     StateDisabled,
		devices:   make(map[string]*device.Device),
	}
	if cfg.Parent != nil {
		cfg.Parent.addChild(p)
	}
	return p
}

func (p *Plugin) ID() int64                    { return p.id }
func (p *Plugin) Reference() string            { return p.reference }
func (p *Plugin) Type() string                 { return p.typ }
func (p *Plugin) Parent() *Plugin              { return p.parent }
func (p *Plugin) Enabled() bool                { return p.enabled }
func (p *Plugin) Settings() *settings.Settings { return p.cfg }
func (p *Plugin) Scheduler() *scheduler.Scheduler { return p.sched }
func (p *Plugin) Log() *slog.Logger            { return p.log }

func (p *Plugin) addChild(c *Plugin) {
	p.mu.Lock()
	p.children = append(p.children, c)
	p.mu.Unlock()
}

// Children returns the direct child plugins.
func (p *Plugin) Children() []*Plugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Plugin, len(p.children))
	copy(out, p.children)
	return out
}

// State returns the current lifecycle state.
func (p *Plugin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the lifecycle state.
func (p *Plugin) SetState(s State) {
	p.mu.Lock()
	old := p.state
	p.state = s
	p.mu.Unlock()
	if old != s {
		p.log.Debug("state change", "from", old.String(), "to", s.String())
	}
}

// Running reports whether the plugin reached READY (device.Hardware).
func (p *Plugin) Running() bool {
	return p.State() >= StateReady
}

// DeviceUpdate routes the pipeline's veto hook to the instance
// (device.Hardware). A plugin without behavior accepts and applies.
func (p *Plugin) DeviceUpdate(src device.Source, d *device.Device, owned bool) (bool, error) {
	if p.instance == nil {
		return true, nil
	}
	return p.instance.UpdateDevice(src, d, owned)
}

// Start transitions DISABLED -> INIT and runs the instance. Children are
// not started automatically; the instance decides when its children come
// up. Errors move the plugin to FAILED.
func (p *Plugin) Start(ctx context.Context) error {
	if !p.enabled {
		p.SetState(StateDisabled)
		return nil
	}
	p.SetState(StateInit)
	if p.instance != nil {
		if err := p.instance.Start(ctx, p); err != nil {
			p.SetState(StateFailed)
			return fmt.Errorf("plugin %s failed to start: %w", p.reference, err)
		}
	}
	p.SetState(StateReady)
	p.log.Info("plugin started", "type", p.typ)
	return nil
}

// Stop halts the instance, stops every owned device, and erases the
// plugin's scheduled tasks.
func (p *Plugin) Stop(ctx context.Context) error {
	var firstErr error
	if p.instance != nil {
		if err := p.instance.Stop(ctx, p); err != nil {
			firstErr = err
		}
	}
	for _, d := range p.Devices() {
		d.Stop()
	}
	p.sched.Erase(nil)
	p.SetState(StateDisabled)
	p.log.Info("plugin stopped")
	return firstErr
}

// Reconnect schedules op with backoff between one and five minutes,
// moving the plugin to DISCONNECTED until op succeeds, then back through
// INIT to READY. Used by transport-backed integrations after a drop.
func (p *Plugin) Reconnect(ctx context.Context, op func() error) {
	p.SetState(StateDisconnected)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Minute
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0 // retry until stopped

	p.sched.Schedule(0, 0, 1, p, func(*scheduler.Task) any {
		err := backoff.Retry(func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return op()
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			p.SetState(StateFailed)
			p.log.Error("reconnect abandoned", "error", err)
			return nil
		}
		p.SetState(StateReady)
		p.log.Info("reconnected")
		return nil
	})
}

// JSON returns the API shape of the plugin.
func (p *Plugin) JSON() map[string]any {
	out := map[string]any{
		"id":        p.id,
		"reference": p.reference,
		"type":      p.typ,
		"enabled":   p.enabled,
		"state":     p.State().String(),
	}
	if p.parent != nil {
		out["parent_id"] = p.parent.id
	}
	return out
}

// SettingsJSON serializes the plugin's settings bag.
func (p *Plugin) SettingsJSON() ([]byte, error) {
	all := make(map[string]string)
	// Settings has no bulk getter by design; walk the known keys via a
	// snapshot query instead of widening the bag's API.
	rows, err := database.Rows(context.Background(), p.db,
		"SELECT key, value FROM plugin_settings WHERE plugin_id = ?", p.id)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		k, _ := row["key"].(string)
		v, _ := row["value"].(string)
		all[k] = v
	}
	return json.Marshal(all)
}

// PutSettingsJSON merges a JSON object into the plugin's settings and
// commits.
func (p *Plugin) PutSettingsJSON(ctx context.Context, raw []byte) error {
	var kv map[string]string
	if err := json.Unmarshal(raw, &kv); err != nil {
		return fmt.Errorf("invalid settings payload: %w", err)
	}
	p.cfg.Insert(kv)
	return p.cfg.Commit(ctx)
}

// Package controller owns the plugin tree and wires the subsystems
// together: it bootstraps plugins from the store, fans successful device
// updates out to links and scripts, runs the per-minute timer scan, and
// hosts the script interpreter bridge.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/pending"
	"github.com/micasa-home/micasa/internal/plugin"
	"github.com/micasa-home/micasa/internal/rules"
	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/scripting"
	"github.com/micasa-home/micasa/internal/settings"
)

// stopTimeout bounds how long Stop waits for any single plugin.
const stopTimeout = 15 * time.Second

// Controller is the daemon's core singleton. Init order is database ->
// settings -> controller -> webserver; teardown is the reverse.
type Controller struct {
	db    *database.DB
	cfg   *settings.Settings
	pool  *scheduler.Pool
	sched *scheduler.Scheduler
	log   *slog.Logger

	host     *scripting.Host
	pendings *pending.Table
	hotplug  *hotplugMonitor

	mu      sync.Mutex
	plugins map[string]*plugin.Plugin // by reference
}

// New builds the controller and its script host.
func New(db *database.DB, cfg *settings.Settings, pool *scheduler.Pool, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		db:      db,
		cfg:     cfg,
		pool:    pool,
		sched:   pool.Owner("controller"),
		log:     log,
		plugins: make(map[string]*plugin.Plugin),
	}
	c.pendings = pending.NewTable(pool.Owner("pending"))

	host, err := scripting.NewHost(db, cfg, pool.Owner("scripts"), c, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build script host: %w", err)
	}
	c.host = host
	return c, nil
}

// Pending returns the shared pending-update table plugins coordinate
// request/acknowledge round-trips through.
func (c *Controller) Pending() *pending.Table { return c.pendings }

// Host returns the script host.
func (c *Controller) Host() *scripting.Host { return c.host }

// Start loads the plugin tree from the store, starts enabled parents in
// parallel, and begins the per-minute timer scan plus the hot-plug
// monitor where the platform supports one.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.loadPlugins(ctx); err != nil {
		return err
	}

	for _, p := range c.parents() {
		if !p.Enabled() {
			continue
		}
		p := p
		c.sched.Schedule(0, 0, 1, p, func(*scheduler.Task) any {
			if err := p.Start(ctx); err != nil {
				c.log.Error("plugin start failed", "plugin", p.Reference(), "error", err)
			}
			return nil
		})
	}

	// Align the scan to the next whole minute plus a small safety margin
	// so a tick never lands just before the minute boundary.
	first := time.Now().Truncate(time.Minute).Add(time.Minute + 5*time.Millisecond)
	c.sched.ScheduleAt(first, time.Minute, scheduler.RepeatInfinite, nil, func(*scheduler.Task) any {
		c.scanTimers(context.Background())
		return nil
	})

	if mon, err := newHotplugMonitor(c.log); err != nil {
		c.log.Debug("hot-plug monitor unavailable", "error", err)
	} else {
		c.hotplug = mon
		c.hotplug.start()
	}

	c.log.Info("controller started", "plugins", len(c.plugins))
	return nil
}

// Stop erases the controller's tasks, halts the hot-plug monitor, and
// stops every plugin in parallel with a per-plugin timeout. A plugin that
// overruns the timeout is logged and abandoned, never fatal.
func (c *Controller) Stop() {
	c.sched.Erase(nil)
	if c.hotplug != nil {
		c.hotplug.stop()
		c.hotplug = nil
	}

	var g errgroup.Group
	for _, p := range c.parents() {
		p := p
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			done := make(chan error, 1)
			go func() {
				for _, child := range p.Children() {
					_ = child.Stop(ctx)
				}
				done <- p.Stop(ctx)
			}()
			select {
			case err := <-done:
				if err != nil {
					c.log.Warn("plugin stop error", "plugin", p.Reference(), "error", err)
				}
			case <-ctx.Done():
				c.log.Warn("plugin stop timed out", "plugin", p.Reference())
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.plugins = make(map[string]*plugin.Plugin)
	c.mu.Unlock()
	c.log.Info("controller stopped")
}

// loadPlugins constructs the tree from the plugins table. Rows are
// ordered by id so parents (lower ids by insert order) exist before their
// children.
func (c *Controller) loadPlugins(ctx context.Context) error {
	rows, err := c.db.Query(ctx,
		"SELECT id, plugin_id, reference, type, enabled FROM plugins ORDER BY id ASC")
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type row struct {
		id       int64
		parentID *int64
		ref, typ string
		enabled  bool
	}
	var loaded []row
	for rows.Next() {
		var r row
		var enabled int
		if err := rows.Scan(&r.id, &r.parentID, &r.ref, &r.typ, &enabled); err != nil {
			return fmt.Errorf("%w: %v", database.ErrInvalidResult, err)
		}
		r.enabled = enabled == 1
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	byID := make(map[int64]*plugin.Plugin)
	for _, r := range loaded {
		var parent *plugin.Plugin
		if r.parentID != nil {
			parent = byID[*r.parentID]
		}
		p, err := c.buildPlugin(ctx, r.id, r.ref, r.typ, parent, r.enabled)
		if err != nil {
			return err
		}
		byID[r.id] = p
		c.mu.Lock()
		c.plugins[r.ref] = p
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) buildPlugin(ctx context.Context, id int64, ref, typ string, parent *plugin.Plugin, enabled bool) (*plugin.Plugin, error) {
	instance, err := plugin.NewInstance(typ)
	if err != nil {
		// An unknown type still loads so its devices stay addressable; it
		// just has no behavior until the type is registered again.
		c.log.Warn("no factory for plugin type", "type", typ, "plugin", ref)
		instance = nil
	}
	bag := settings.NewForPlugin(c.db, id)
	if err := bag.Load(ctx); err != nil {
		return nil, err
	}
	p := plugin.New(plugin.Config{
		ID:        id,
		Reference: ref,
		Type:      typ,
		Parent:    parent,
		Enabled:   enabled,
		DB:        c.db,
		Settings:  bag,
		Sched:     c.pool.Owner("plugin:" + ref),
		Events:    c,
		Log:       c.log,
		Instance:  instance,
	})
	if err := p.LoadDevices(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Controller) parents() []*plugin.Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*plugin.Plugin
	for _, p := range c.plugins {
		if p.Parent() == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Plugins returns every loaded plugin ordered by id.
func (c *Controller) Plugins() []*plugin.Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*plugin.Plugin, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// PluginByReference returns a plugin by its unique reference, or nil.
func (c *Controller) PluginByReference(ref string) *plugin.Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plugins[ref]
}

// DeclarePlugin creates the plugin row for reference and starts it when
// enabled. Declaring an existing reference returns the existing plugin.
func (c *Controller) DeclarePlugin(ctx context.Context, typ, ref string, parent *plugin.Plugin, enabled bool) (*plugin.Plugin, error) {
	if existing := c.PluginByReference(ref); existing != nil {
		return existing, nil
	}
	var parentID any
	if parent != nil {
		parentID = parent.ID()
	}
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	id, err := c.db.Insert(ctx,
		"INSERT INTO plugins (plugin_id, reference, type, enabled) VALUES (?, ?, ?, ?)",
		parentID, ref, typ, enabledInt)
	if err != nil {
		return nil, fmt.Errorf("failed to declare plugin %q: %w", ref, err)
	}
	p, err := c.buildPlugin(ctx, id, ref, typ, parent, enabled)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.plugins[ref] = p
	c.mu.Unlock()

	if enabled && parent == nil {
		if err := p.Start(ctx); err != nil {
			c.log.Error("plugin start failed", "plugin", ref, "error", err)
		}
	}
	return p, nil
}

// RemovePlugin stops a plugin (and its children), forgets it, and deletes
// its row. Child rows, devices, settings, and history cascade through the
// schema's foreign keys.
func (c *Controller) RemovePlugin(ctx context.Context, p *plugin.Plugin) error {
	for _, child := range p.Children() {
		_ = child.Stop(ctx)
		c.mu.Lock()
		delete(c.plugins, child.Reference())
		c.mu.Unlock()
	}
	_ = p.Stop(ctx)
	c.mu.Lock()
	delete(c.plugins, p.Reference())
	c.mu.Unlock()

	if _, err := c.db.Exec(ctx, "DELETE FROM plugins WHERE id = ?", p.ID()); err != nil {
		return fmt.Errorf("failed to remove plugin %q: %w", p.Reference(), err)
	}
	return nil
}

// DeviceByID searches every plugin for a device id.
func (c *Controller) DeviceByID(id int64) *device.Device {
	for _, p := range c.Plugins() {
		if d := p.DeviceByID(id); d != nil {
			return d
		}
	}
	return nil
}

// IsScheduled reports whether any pending or running task targets the
// device: a planned drive, or one of the device's own tasks.
func (c *Controller) IsScheduled(d *device.Device) bool {
	return c.pool.IsScheduled(rules.DrivePayload(d.ID())) || c.pool.IsScheduled(d)
}

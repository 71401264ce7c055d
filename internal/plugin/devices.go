package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/settings"
)

// DeclareDevice registers (or re-registers) a device under this plugin.
// Declaration is idempotent: when the reference is already known, only
// system settings (keys starting with "_") are applied, so user-tuned
// configuration survives plugin restarts. New devices get the full
// declared settings.
func (p *Plugin) DeclareDevice(ctx context.Context, kind device.Kind, reference, label string, declared map[string]string) (*device.Device, error) {
	p.mu.Lock()
	existing := p.devices[reference]
	p.mu.Unlock()

	if existing != nil {
		applySystemSettings(existing.Settings(), declared)
		if err := existing.Settings().Commit(ctx); err != nil {
			return nil, err
		}
		return existing, nil
	}

	// The row may exist from a previous run even though the device is not
	// registered yet (plugin restarted before the controller reloaded).
	id, err := database.Value[int64](ctx, p.db,
		"SELECT id FROM devices WHERE plugin_id = ? AND reference = ?", p.id, reference)
	fresh := false
	if errors.Is(err, database.ErrNoResults) {
		fresh = true
		id, err = p.db.Insert(ctx,
			"INSERT INTO devices (plugin_id, reference, label, type, enabled) VALUES (?, ?, ?, ?, 1)",
			p.id, reference, label, int(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to declare device %q: %w", reference, err)
	}

	d, err := p.buildDevice(ctx, id, reference, label, kind, true)
	if err != nil {
		return nil, err
	}

	if fresh {
		for k, v := range declared {
			d.Settings().Put(k, v)
		}
	} else {
		applySystemSettings(d.Settings(), declared)
	}
	if err := d.Settings().Commit(ctx); err != nil {
		return nil, err
	}

	p.register(d)
	d.Start()
	p.log.Debug("device declared", "reference", reference, "kind", kind.String())
	return d, nil
}

// applySystemSettings copies only the system keys from declared, plus any
// non-system key not yet present.
func applySystemSettings(bag *settings.Settings, declared map[string]string) {
	for k, v := range declared {
		if settings.IsSystemKey(k) || !bag.Contains(k) {
			bag.Put(k, v)
		}
	}
}

func (p *Plugin) buildDevice(ctx context.Context, id int64, reference, label string, kind device.Kind, enabled bool) (*device.Device, error) {
	bag := settings.NewForDevice(p.db, id)
	if err := bag.Load(ctx); err != nil {
		return nil, err
	}
	return device.New(device.Config{
		ID:        id,
		PluginID:  p.id,
		Reference: reference,
		Label:     label,
		Kind:      kind,
		Enabled:   enabled,
		Hardware:  p,
		Events:    p.events,
		DB:        p.db,
		Settings:  bag,
		Sched:     p.sched.Pool().Owner("device:" + reference),
		Log:       p.log,
	}), nil
}

func (p *Plugin) register(d *device.Device) {
	p.mu.Lock()
	p.devices[d.Reference()] = d
	p.mu.Unlock()
}

// LoadDevices restores every persisted device row for this plugin. Called
// by the controller during bootstrap, before the plugin starts.
func (p *Plugin) LoadDevices(ctx context.Context) error {
	rows, err := p.db.Query(ctx,
		"SELECT id, reference, label, type, enabled FROM devices WHERE plugin_id = ? ORDER BY id ASC", p.id)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id      int64
			ref     string
			label   string
			kind    int
			enabled int
		)
		if err := rows.Scan(&id, &ref, &label, &kind, &enabled); err != nil {
			return fmt.Errorf("%w: %v", database.ErrInvalidResult, err)
		}
		d, err := p.buildDevice(ctx, id, ref, label, device.Kind(kind), enabled == 1)
		if err != nil {
			return err
		}
		p.register(d)
		d.Start()
	}
	return rows.Err()
}

// Devices returns every device owned by this plugin.
func (p *Plugin) Devices() []*device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*device.Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d)
	}
	return out
}

// DeviceByReference returns the device with the given reference, or nil.
func (p *Plugin) DeviceByReference(reference string) *device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[reference]
}

// DeviceByID returns the device with the given row id, or nil.
func (p *Plugin) DeviceByID(id int64) *device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.ID() == id {
			return d
		}
	}
	return nil
}

// DeviceByName returns the device whose name override matches, or nil.
func (p *Plugin) DeviceByName(name string) *device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// DeviceByLabel returns the device whose label matches, or nil.
func (p *Plugin) DeviceByLabel(label string) *device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.Label() == label {
			return d
		}
	}
	return nil
}

// RemoveDevice stops the device, forgets it, and deletes its row. History
// and settings rows cascade through the schema's foreign keys.
func (p *Plugin) RemoveDevice(ctx context.Context, d *device.Device) error {
	d.Stop()
	p.mu.Lock()
	delete(p.devices, d.Reference())
	p.mu.Unlock()
	if _, err := p.db.Exec(ctx, "DELETE FROM devices WHERE id = ?", d.ID()); err != nil {
		return fmt.Errorf("failed to remove device %q: %w", d.Reference(), err)
	}
	return nil
}

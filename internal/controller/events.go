package controller

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/rules"
	"github.com/micasa-home/micasa/internal/scripting"
)

// NewEvent fans a successful value change out to the rule engine. Links
// are skipped when the update itself came from a link, scripts when it
// came from a script; that is what stops one-step feedback loops while
// still letting recur-tagged plans re-fire.
func (c *Controller) NewEvent(d *device.Device, src device.Source) {
	ctx := context.Background()

	if src&device.SourceLink == 0 && d.Kind() == device.KindSwitch {
		value, _ := d.Value().(string)
		links, err := rules.LinksForValue(ctx, c.db, d.ID(), value)
		if err != nil {
			c.log.Error("link lookup failed", "device", d.Reference(), "error", err)
		}
		for _, l := range links {
			target := c.DeviceByID(l.TargetDeviceID)
			if target == nil {
				continue
			}
			v, err := parseValueFor(target, l.TargetValue)
			if err != nil {
				c.log.Warn("link target value unusable", "link", l.ID, "error", err)
				continue
			}
			rules.PlanUpdate(target, v, l.Options(), device.SourceLink)
		}
	}

	if src&device.SourceScript == 0 {
		scripts, err := scripting.ScriptsForDevice(ctx, c.db, d.ID())
		if err != nil {
			c.log.Error("script lookup failed", "device", d.Reference(), "error", err)
			return
		}
		if len(scripts) == 0 {
			return
		}
		payload := map[string]any{
			"value":          d.Value(),
			"previous_value": d.PreviousValue(),
			"source":         src.String(),
			"device":         d.JSON(),
		}
		c.host.Queue("event", payload, scripts)
	}
}

// ObserveSwitch offers a staged switch value to every plugin that does
// not own the device (device.EventSink). The first veto wins.
func (c *Controller) ObserveSwitch(src device.Source, d *device.Device) error {
	for _, p := range c.Plugins() {
		if p.ID() == d.PluginID() {
			continue
		}
		if _, err := p.DeviceUpdate(src, d, false); err != nil {
			return fmt.Errorf("plugin %s vetoed: %w", p.Reference(), err)
		}
	}
	return nil
}

// FindDevice resolves a script selector: a numeric id, a device name, or
// a device label (scripting.Bridge).
func (c *Controller) FindDevice(selector any) *device.Device {
	switch v := selector.(type) {
	case int64:
		return c.DeviceByID(v)
	case float64:
		return c.DeviceByID(int64(v))
	case string:
		for _, p := range c.Plugins() {
			if d := p.DeviceByName(v); d != nil {
				return d
			}
		}
		for _, p := range c.Plugins() {
			if d := p.DeviceByLabel(v); d != nil {
				return d
			}
		}
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return c.DeviceByID(id)
		}
	}
	return nil
}

// PlanUpdate routes a script-driven update through the task-options
// planner (scripting.Bridge).
func (c *Controller) PlanUpdate(d *device.Device, value any, opts rules.TaskOptions, src device.Source) {
	rules.PlanUpdate(d, value, opts, src)
}

// Notice appends a message to every enabled log-sink text device
// (scripting.Bridge).
func (c *Controller) Notice(msg string) {
	for _, p := range c.Plugins() {
		for _, d := range p.Devices() {
			if d.Kind() != device.KindText || d.SubType() != device.SubTypeLogSink {
				continue
			}
			if err := d.UpdateValue(device.SourceSystem, msg); err != nil {
				c.log.Warn("log sink update failed", "device", d.Reference(), "error", err)
			}
		}
	}
}

// scanTimers runs once per wall-clock minute: every enabled timer whose
// cron expression matches the current minute fires its scripts and drives
// its bound devices. A timer whose expression fails to parse is disabled
// so it cannot fail every minute forever.
func (c *Controller) scanTimers(ctx context.Context) {
	now := time.Now()
	timers, err := rules.EnabledTimers(ctx, c.db)
	if err != nil {
		c.log.Error("timer scan failed", "error", err)
		return
	}

	for _, t := range timers {
		expr, err := rules.ParseCron(t.Cron)
		if err != nil {
			c.log.Warn("timer disabled, invalid cron", "timer", t.Name, "cron", t.Cron, "error", err)
			if derr := rules.DisableTimer(ctx, c.db, t.ID); derr != nil {
				c.log.Error("failed to disable timer", "timer", t.Name, "error", derr)
			}
			continue
		}
		if !expr.Matches(now) {
			continue
		}

		scripts, err := scripting.ScriptsForTimer(ctx, c.db, t.ID)
		if err != nil {
			c.log.Error("timer script lookup failed", "timer", t.Name, "error", err)
		} else if len(scripts) > 0 {
			payload := map[string]any{"id": t.ID, "cron": t.Cron, "name": t.Name}
			c.host.Queue("timer", payload, scripts)
		}

		targets, err := rules.TimerDevices(ctx, c.db, t.ID)
		if err != nil {
			c.log.Error("timer device lookup failed", "timer", t.Name, "error", err)
			continue
		}
		for _, target := range targets {
			d := c.DeviceByID(target.DeviceID)
			if d == nil {
				continue
			}
			v, err := parseValueFor(d, target.Value)
			if err != nil {
				c.log.Warn("timer target value unusable", "timer", t.Name, "device", d.Reference(), "error", err)
				continue
			}
			if err := d.UpdateValue(device.SourceTimer, v); err != nil {
				c.log.Warn("timer update rejected", "timer", t.Name, "device", d.Reference(), "error", err)
			}
		}
	}
}

// parseValueFor converts a stored target value string to the device
// kind's native type.
func parseValueFor(d *device.Device, raw string) (any, error) {
	switch d.Kind() {
	case device.KindLevel, device.KindCounter:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not numeric", raw)
		}
		return f, nil
	default:
		return raw, nil
	}
}

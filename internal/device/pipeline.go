package device

import (
	"context"
	"fmt"
	"time"

	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/settings"
)

// activateRevertDelay is how long an Activate scene stays active before
// the pipeline pushes it back to Idle.
const activateRevertDelay = 5 * time.Second

// UpdateValue is the single entry point for every value change, whatever
// its origin. It runs the gate chain, applies rate limiting, and hands the
// accepted value to processValue. A nil error means the update was either
// applied or intentionally absorbed (duplicate suppression, open rate
// window).
func (d *Device) UpdateValue(src Source, raw any) error {
	// One pipeline pass at a time per device: a concurrent caller waits
	// here rather than interleave its stage/veto/commit with ours.
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	// Disabled devices still accept plugin readings so state stays
	// current, but nothing else gets through.
	if !d.Enabled() && src&SourcePlugin == 0 {
		return ErrDisabled
	}

	if allowed := d.AllowedSources(); src&allowed == 0 {
		d.log.Info("update dropped, source not allowed", "source", src.String(), "allowed", allowed.String())
		return ErrSourceBlocked
	}

	v, err := d.normalize(raw)
	if err != nil {
		return err
	}

	running := d.hw == nil || d.hw.Running()

	if d.ignoreDuplicates() && running && valueEqual(v, d.Value()) {
		d.log.Debug("duplicate value ignored", "value", v)
		return nil
	}

	if d.kind == KindLevel {
		if err := d.checkRange(v.(float64)); err != nil {
			return err
		}
	}

	if limit := d.cfg.GetFloat(settings.RateLimit, 0); limit > 0 && running {
		d.deferToWindow(src, v, time.Duration(limit*float64(time.Second)))
		return nil
	}

	return d.processValue(src, v)
}

// IncrementValue adds delta on top of the latest staged value, including a
// value still held in an open rate-limit window, so interleaved increments
// never lose a step. Counter only.
func (d *Device) IncrementValue(src Source, delta float64) error {
	if d.kind != KindCounter {
		return fmt.Errorf("%w: increment on %s device", ErrBadValue, d.kind)
	}
	d.mu.Lock()
	var base float64
	if d.window != nil {
		if f, err := numeric(d.window.value); err == nil {
			base = f
		}
	} else if f, ok := d.value.(float64); ok {
		base = f
	}
	d.mu.Unlock()
	return d.UpdateValue(src, base+delta)
}

func (d *Device) ignoreDuplicates() bool {
	// Switches suppress duplicates unless told otherwise; the other kinds
	// record every accepted sample.
	return d.cfg.GetBool(settings.IgnoreDuplicates, d.kind == KindSwitch)
}

// normalize coerces raw to the kind's canonical representation. Level
// values pass through the configured divider and offset.
func (d *Device) normalize(raw any) (any, error) {
	switch d.kind {
	case KindSwitch:
		return NormalizeOption(raw)
	case KindLevel:
		f, err := numeric(raw)
		if err != nil {
			return nil, err
		}
		divider := d.cfg.GetFloat("divider", 1)
		if divider == 0 {
			divider = 1
		}
		return f/divider + d.cfg.GetFloat("offset", 0), nil
	case KindCounter:
		return numeric(raw)
	case KindText:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not text", ErrBadValue, raw)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrBadValue, int(d.kind))
}

func (d *Device) checkRange(v float64) error {
	if min := d.cfg.GetFloat("minimum", 0); d.cfg.Contains("minimum") && v < min {
		return fmt.Errorf("%w: %g below minimum %g", ErrOutOfRange, v, min)
	}
	if max := d.cfg.GetFloat("maximum", 0); d.cfg.Contains("maximum") && v > max {
		return fmt.Errorf("%w: %g above maximum %g", ErrOutOfRange, v, max)
	}
	return nil
}

// deferToWindow absorbs the update into the rate-limit window. The first
// update opens the window and schedules its flush one limit later; every
// update until then merges into it, so a rapid batch commits exactly once.
func (d *Device) deferToWindow(src Source, v any, limit time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.window != nil {
		w := d.window
		w.source = src
		w.value = v
		if d.kind == KindLevel {
			w.sum += v.(float64)
			w.samples++
		}
		return
	}

	w := &rateWindow{source: src, value: v, samples: 1}
	if d.kind == KindLevel {
		w.sum = v.(float64)
	}
	d.window = w
	w.task = d.sched.Schedule(limit, 0, 1, d, func(*scheduler.Task) any {
		d.flushWindow()
		return nil
	})
}

// flushWindow closes the rate-limit window and processes its result: the
// running average for Level, the latest value otherwise.
func (d *Device) flushWindow() {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	d.mu.Lock()
	w := d.window
	d.window = nil
	d.mu.Unlock()
	if w == nil {
		return
	}
	v := w.value
	if d.kind == KindLevel && w.samples > 0 {
		v = w.sum / float64(w.samples)
	}
	if err := d.processValue(w.source, v); err != nil {
		d.log.Info("rate-limited update rejected", "error", err)
	}
}

// processValue stages the new value, offers it to the plugin layer for
// veto, and on acceptance persists it and fires the event sink. The
// previous value is only committed once the update fully succeeds, so a
// rejection leaves the device bit-for-bit unchanged.
func (d *Device) processValue(src Source, v any) error {
	d.mu.Lock()
	prev := d.value
	d.value = v
	d.mu.Unlock()

	apply := true
	var err error
	if d.hw != nil {
		apply, err = d.hw.DeviceUpdate(src, d, true)
	}
	if err == nil && d.kind == KindSwitch && d.events != nil {
		err = d.events.ObserveSwitch(src, d)
	}
	if err != nil {
		d.mu.Lock()
		d.value = prev
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !apply {
		return nil
	}

	now := time.Now()
	if d.Enabled() {
		if perr := d.persistValue(context.Background(), v, now); perr != nil {
			d.log.Error("failed to persist value", "error", perr)
		}
	}

	clean := src &^ SourceInternal
	d.mu.Lock()
	d.previous = prev
	d.lastSource = clean
	d.lastUpdate = now
	d.mu.Unlock()

	running := d.hw == nil || d.hw.Running()
	eligible := d.Enabled() || (d.kind == KindSwitch && d.SubType() == SubTypeAction)
	if running && eligible && d.events != nil {
		d.events.NewEvent(d, clean)
	}

	if d.kind == KindSwitch && v == OptionActivate {
		d.sched.Schedule(activateRevertDelay, 0, 1, d, func(*scheduler.Task) any {
			if err := d.UpdateValue(SourceSystem|SourcePlugin, OptionIdle); err != nil {
				d.log.Debug("activate auto-revert dropped", "error", err)
			}
			return nil
		})
	}
	return nil
}

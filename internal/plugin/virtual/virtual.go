// Package virtual provides the built-in plugin type backing user-created
// devices that have no hardware behind them. Every update is accepted and
// applied as-is, which makes virtual devices the natural targets for
// scripts, timers, and links on a fresh install.
package virtual

import (
	"context"

	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/plugin"
)

// Type is the plugin type tag.
const Type = "virtual"

func init() {
	plugin.Register(Type, func() plugin.Instance { return &Virtual{} })
}

// Virtual is a no-op integration.
type Virtual struct{}

// Start restores persisted devices; there is no transport to bring up.
func (v *Virtual) Start(ctx context.Context, p *plugin.Plugin) error {
	return nil
}

// Stop has nothing to tear down.
func (v *Virtual) Stop(ctx context.Context, p *plugin.Plugin) error {
	return nil
}

// UpdateDevice accepts and applies every update for owned devices and
// ignores observations of other plugins' switches.
func (v *Virtual) UpdateDevice(src device.Source, d *device.Device, owned bool) (bool, error) {
	return owned, nil
}

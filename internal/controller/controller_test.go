package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/plugin"
	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/settings"

	_ "github.com/micasa-home/micasa/internal/plugin/virtual"
)

func newTestController(t *testing.T) (*Controller, *database.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool := scheduler.NewPool(nil)
	t.Cleanup(pool.Shutdown)

	cfg := settings.NewProcess(db)
	require.NoError(t, cfg.Load(ctx))

	c, err := New(db, cfg, pool, nil)
	require.NoError(t, err)
	return c, db
}

func declareSwitch(t *testing.T, p *plugin.Plugin, ref string) *device.Device {
	t.Helper()
	d, err := p.DeclareDevice(context.Background(), device.KindSwitch, ref, ref, nil)
	require.NoError(t, err)
	return d
}

func TestDeclarePluginIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)

	p, err := c.DeclarePlugin(ctx, "virtual", "house", nil, true)
	require.NoError(t, err)
	require.True(t, p.Running())

	again, err := c.DeclarePlugin(ctx, "virtual", "house", nil, true)
	require.NoError(t, err)
	require.Same(t, p, again)

	n, err := database.Value[int64](ctx, db,
		"SELECT COUNT(*) FROM plugins WHERE reference = 'house'")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestRemovePluginCascades(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)

	p, err := c.DeclarePlugin(ctx, "virtual", "doomed", nil, true)
	require.NoError(t, err)
	d := declareSwitch(t, p, "node-1")

	require.NoError(t, c.RemovePlugin(ctx, p))
	require.Nil(t, c.PluginByReference("doomed"))
	require.Nil(t, c.DeviceByID(d.ID()))

	n, err := database.Value[int64](ctx, db,
		"SELECT COUNT(*) FROM devices WHERE id = ?", d.ID())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLoadPluginsRebuildsTree(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)

	parent, err := c.DeclarePlugin(ctx, "virtual", "bridge", nil, true)
	require.NoError(t, err)
	_, err = c.DeclarePlugin(ctx, "virtual", "child", parent, true)
	require.NoError(t, err)
	declareSwitch(t, parent, "node-1")

	// A second controller over the same store reconstructs everything.
	pool := scheduler.NewPool(nil)
	t.Cleanup(pool.Shutdown)
	cfg := settings.NewProcess(db)
	require.NoError(t, cfg.Load(ctx))
	fresh, err := New(db, cfg, pool, nil)
	require.NoError(t, err)
	require.NoError(t, fresh.loadPlugins(ctx))

	rebuilt := fresh.PluginByReference("bridge")
	require.NotNil(t, rebuilt)
	require.Len(t, rebuilt.Children(), 1)
	require.NotNil(t, rebuilt.DeviceByReference("node-1"))
}

func TestTimerDrivesBoundDevice(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)

	p, err := c.DeclarePlugin(ctx, "virtual", "house", nil, true)
	require.NoError(t, err)
	d := declareSwitch(t, p, "lamp")

	timerID, err := db.Insert(ctx, "INSERT INTO timers (name, cron, enabled) VALUES ('nightly', '* * * * *', 1)")
	require.NoError(t, err)
	_, err = db.Insert(ctx, "INSERT INTO x_timer_devices (timer_id, device_id, value) VALUES (?, ?, 'On')", timerID, d.ID())
	require.NoError(t, err)

	c.scanTimers(ctx)
	require.Equal(t, device.OptionOn, d.Value())
	require.Equal(t, device.SourceTimer, d.LastSource())
}

func TestInvalidCronDisablesTimer(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)

	id, err := db.Insert(ctx, "INSERT INTO timers (name, cron, enabled) VALUES ('broken', 'not a cron', 1)")
	require.NoError(t, err)

	c.scanTimers(ctx)

	enabled, err := database.Value[int64](ctx, db, "SELECT enabled FROM timers WHERE id = ?", id)
	require.NoError(t, err)
	require.Zero(t, enabled)
}

func TestLinkDrivesTargetOnSwitchEvent(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)

	p, err := c.DeclarePlugin(ctx, "virtual", "house", nil, true)
	require.NoError(t, err)
	motion := declareSwitch(t, p, "motion")
	lamp := declareSwitch(t, p, "lamp")

	_, err = db.Insert(ctx, `
		INSERT INTO links (name, device_id, target_device_id, value, target_value, after, "for", clear, enabled)
		VALUES ('motion-light', ?, ?, 'On', 'On', 0, 0, 0, 1)`,
		motion.ID(), lamp.ID())
	require.NoError(t, err)

	require.NoError(t, motion.UpdateValue(device.SourceAPI, "On"))

	deadline := time.Now().Add(2 * time.Second)
	for lamp.Value() != device.OptionOn && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, device.OptionOn, lamp.Value())
	require.Equal(t, device.SourceLink, lamp.LastSource())
}

func TestLinkDoesNotChainFromLinkUpdates(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)

	p, err := c.DeclarePlugin(ctx, "virtual", "house", nil, true)
	require.NoError(t, err)
	a := declareSwitch(t, p, "a")
	b := declareSwitch(t, p, "b")

	_, err = db.Insert(ctx, `
		INSERT INTO links (name, device_id, target_device_id, value, target_value, after, "for", clear, enabled)
		VALUES ('chain', ?, ?, 'On', 'On', 0, 0, 0, 1)`,
		a.ID(), b.ID())
	require.NoError(t, err)

	// A link-sourced update on the trigger device must not re-fire links.
	require.NoError(t, a.UpdateValue(device.SourceLink, "On"))
	time.Sleep(200 * time.Millisecond)
	require.Nil(t, b.Value())
}

func TestFindDeviceSelectors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	p, err := c.DeclarePlugin(ctx, "virtual", "house", nil, true)
	require.NoError(t, err)
	d, err := p.DeclareDevice(ctx, device.KindSwitch, "node-3", "Kitchen Light", map[string]string{"name": "Kitchen"})
	require.NoError(t, err)

	require.Same(t, d, c.FindDevice(d.ID()))
	require.Same(t, d, c.FindDevice(float64(d.ID())))
	require.Same(t, d, c.FindDevice("Kitchen"))
	require.Same(t, d, c.FindDevice("Kitchen Light"))
	require.Nil(t, c.FindDevice("nothing here"))
}

func TestNoticeFeedsLogSinkDevices(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	p, err := c.DeclarePlugin(ctx, "virtual", "house", nil, true)
	require.NoError(t, err)
	sink, err := p.DeclareDevice(ctx, device.KindText, "journal", "Journal",
		map[string]string{"subtype": device.SubTypeLogSink})
	require.NoError(t, err)
	plain := declareSwitch(t, p, "lamp")

	c.Notice("boiler fault")
	require.Equal(t, "boiler fault", sink.Value())
	require.Equal(t, device.SourceSystem, sink.LastSource())
	require.Nil(t, plain.Value())
}

func TestIsScheduledSeesPlannedDrives(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	p, err := c.DeclarePlugin(ctx, "virtual", "house", nil, true)
	require.NoError(t, err)
	d := declareSwitch(t, p, "lamp")

	// Device maintenance tasks are scheduled by Start during declaration.
	require.True(t, c.IsScheduled(d))
}

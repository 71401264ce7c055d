package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/settings"
)

type fakeHardware struct {
	running bool
	apply   bool
	reject  error
}

func (f *fakeHardware) Reference() string { return "fake" }
func (f *fakeHardware) Running() bool     { return f.running }
func (f *fakeHardware) DeviceUpdate(src Source, d *Device, owned bool) (bool, error) {
	return f.apply, f.reject
}

type fakeSink struct {
	mu         sync.Mutex
	events     []Source
	observeErr error
}

func (f *fakeSink) NewEvent(d *Device, src Source) {
	f.mu.Lock()
	f.events = append(f.events, src)
	f.mu.Unlock()
}

func (f *fakeSink) ObserveSwitch(src Source, d *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observeErr
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fixture struct {
	db   *database.DB
	pool *scheduler.Pool
	hw   *fakeHardware
	sink *fakeSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool := scheduler.NewPool(nil)
	t.Cleanup(pool.Shutdown)

	return &fixture{
		db:   db,
		pool: pool,
		hw:   &fakeHardware{running: true, apply: true},
		sink: &fakeSink{},
	}
}

func (f *fixture) newDevice(t *testing.T, kind Kind, enabled bool) *Device {
	t.Helper()
	return f.newDeviceWith(t, kind, enabled, f.hw)
}

func (f *fixture) newDeviceWith(t *testing.T, kind Kind, enabled bool, hw Hardware) *Device {
	t.Helper()
	ctx := context.Background()
	pid, err := f.db.Insert(ctx,
		"INSERT INTO plugins (reference, type, enabled) VALUES ('fixture', 'virtual', 1)")
	if err != nil {
		// Re-use the plugin row across devices in one fixture.
		pid, err = database.Value[int64](ctx, f.db, "SELECT id FROM plugins WHERE reference = 'fixture'")
	}
	require.NoError(t, err)

	id, err := f.db.Insert(ctx,
		"INSERT INTO devices (plugin_id, reference, label, type, enabled) VALUES (?, ?, 'Test', ?, ?)",
		pid, kind.String()+"-dev", int(kind), boolInt(enabled))
	require.NoError(t, err)

	bag := settings.NewForDevice(f.db, id)
	require.NoError(t, bag.Load(ctx))

	return New(Config{
		ID:        id,
		PluginID:  pid,
		Reference: kind.String() + "-dev",
		Label:     "Test",
		Kind:      kind,
		Enabled:   enabled,
		Hardware:  hw,
		Events:    f.sink,
		DB:        f.db,
		Settings:  bag,
		Sched:     f.pool.Owner("device:test"),
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestDisabledDeviceAcceptsOnlyPluginUpdates(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindSwitch, false)

	err := d.UpdateValue(SourceAPI, "On")
	require.ErrorIs(t, err, ErrDisabled)
	require.Nil(t, d.Value())

	// Plugin readings keep flowing so state stays current.
	require.NoError(t, d.UpdateValue(SourcePlugin, "On"))
	require.Equal(t, OptionOn, d.Value())
}

func TestSourceMaskBlocksUpdate(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindSwitch, true)
	d.Settings().PutValue(settings.AllowedUpdateSources, int64(SourcePlugin|SourceTimer))

	err := d.UpdateValue(SourceAPI, "On")
	require.ErrorIs(t, err, ErrSourceBlocked)

	require.NoError(t, d.UpdateValue(SourceTimer, "On"))
	require.Equal(t, OptionOn, d.Value())
}

func TestSwitchDuplicateSuppressed(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindSwitch, true)

	require.NoError(t, d.UpdateValue(SourceAPI, "on"))
	require.Equal(t, 1, f.sink.count())

	// Same value again: absorbed without error, no second event.
	require.NoError(t, d.UpdateValue(SourceAPI, "On"))
	require.Equal(t, 1, f.sink.count())

	require.NoError(t, d.UpdateValue(SourceAPI, "Off"))
	require.Equal(t, 2, f.sink.count())
}

func TestCounterRecordsDuplicates(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindCounter, true)

	require.NoError(t, d.UpdateValue(SourcePlugin, 5.0))
	require.NoError(t, d.UpdateValue(SourcePlugin, 5.0))
	require.Equal(t, 2, f.sink.count())
}

func TestLevelDividerAndOffset(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindLevel, true)
	d.Settings().Put("divider", "10")
	d.Settings().Put("offset", "1")

	require.NoError(t, d.UpdateValue(SourcePlugin, 100.0))
	require.Equal(t, 11.0, d.Value())
}

func TestLevelRangeEnforcedAfterNormalize(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindLevel, true)
	d.Settings().Put("minimum", "0")
	d.Settings().Put("maximum", "50")

	require.ErrorIs(t, d.UpdateValue(SourcePlugin, 51.0), ErrOutOfRange)
	require.ErrorIs(t, d.UpdateValue(SourcePlugin, -1.0), ErrOutOfRange)
	require.NoError(t, d.UpdateValue(SourcePlugin, 50.0))

	// The divider applies before the range check.
	d.Settings().Put("divider", "10")
	require.NoError(t, d.UpdateValue(SourcePlugin, 300.0))
	require.Equal(t, 30.0, d.Value())
}

func TestPreviousValueCommittedOnSuccessOnly(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindLevel, true)

	require.NoError(t, d.UpdateValue(SourcePlugin, 1.0))
	require.NoError(t, d.UpdateValue(SourcePlugin, 2.0))
	require.Equal(t, 2.0, d.Value())
	require.Equal(t, 1.0, d.PreviousValue())

	// A rejected update leaves both values untouched.
	f.hw.reject = errors.New("nope")
	require.ErrorIs(t, d.UpdateValue(SourcePlugin, 3.0), ErrRejected)
	require.Equal(t, 2.0, d.Value())
	require.Equal(t, 1.0, d.PreviousValue())
}

func TestBadValueTypes(t *testing.T) {
	f := newFixture(t)

	text := f.newDevice(t, KindText, true)
	require.ErrorIs(t, text.UpdateValue(SourcePlugin, 12), ErrBadValue)

	level := f.newDevice(t, KindLevel, true)
	require.ErrorIs(t, level.UpdateValue(SourcePlugin, "not a number"), ErrBadValue)

	sw := f.newDevice(t, KindSwitch, true)
	require.ErrorIs(t, sw.UpdateValue(SourcePlugin, "Sideways"), ErrBadValue)
}

func TestInternalSourceStrippedFromLastSource(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindSwitch, true)

	require.NoError(t, d.UpdateValue(SourceAPI|SourceInternal, "On"))
	require.Equal(t, SourceAPI, d.LastSource())
}

func TestIncrementValue(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindCounter, true)

	require.NoError(t, d.UpdateValue(SourcePlugin, 10.0))
	require.NoError(t, d.IncrementValue(SourcePlugin, 2.5))
	require.Equal(t, 12.5, d.Value())

	sw := f.newDevice(t, KindSwitch, true)
	require.ErrorIs(t, sw.IncrementValue(SourcePlugin, 1), ErrBadValue)
}

func TestRateLimitAveragesLevels(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindLevel, true)
	d.Settings().Put(settings.RateLimit, "0.2")

	// The whole burst lands in one window: a single commit holding the
	// mean, and a single event.
	require.NoError(t, d.UpdateValue(SourcePlugin, 10.0))
	require.NoError(t, d.UpdateValue(SourcePlugin, 20.0))
	require.NoError(t, d.UpdateValue(SourcePlugin, 30.0))
	require.Nil(t, d.Value())

	deadline := time.Now().Add(2 * time.Second)
	for d.Value() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 20.0, d.Value())
	require.Equal(t, 1, f.sink.count())

	rows, err := database.Value[int64](context.Background(), f.db,
		"SELECT COUNT(*) FROM device_level_history WHERE device_id = ?", d.ID())
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)
}

type gateHardware struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateHardware) Reference() string { return "gate" }
func (g *gateHardware) Running() bool     { return true }
func (g *gateHardware) DeviceUpdate(src Source, d *Device, owned bool) (bool, error) {
	g.entered <- struct{}{}
	<-g.release
	return true, nil
}

func TestUpdatesSerializedPerDevice(t *testing.T) {
	f := newFixture(t)
	gate := &gateHardware{entered: make(chan struct{}, 2), release: make(chan struct{})}
	d := f.newDeviceWith(t, KindSwitch, true, gate)

	first := make(chan error, 1)
	go func() { first <- d.UpdateValue(SourcePlugin, "On") }()
	<-gate.entered // first update is mid-veto

	second := make(chan error, 1)
	go func() { second <- d.UpdateValue(SourcePlugin, "Off") }()

	// The second update must wait for the whole first pass, not
	// interleave its own stage and commit.
	select {
	case <-second:
		t.Fatal("concurrent update committed while another was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	require.Equal(t, OptionOff, d.Value())
	require.Equal(t, OptionOn, d.PreviousValue())
}

func TestSwitchObserverVetoReverts(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindSwitch, true)

	require.NoError(t, d.UpdateValue(SourcePlugin, "Off"))
	f.sink.observeErr = errors.New("busy")
	require.ErrorIs(t, d.UpdateValue(SourceAPI, "On"), ErrRejected)
	require.Equal(t, OptionOff, d.Value())
}

func TestApplyFalseAcceptsSilently(t *testing.T) {
	f := newFixture(t)
	f.hw.apply = false
	d := f.newDevice(t, KindSwitch, true)

	require.NoError(t, d.UpdateValue(SourceAPI, "On"))
	// Accepted but not announced: staged value visible, no event fired.
	require.Equal(t, OptionOn, d.Value())
	require.Equal(t, 0, f.sink.count())
}

func TestValuePersistedToHistory(t *testing.T) {
	f := newFixture(t)
	d := f.newDevice(t, KindSwitch, true)
	require.NoError(t, d.UpdateValue(SourceAPI, "On"))

	n, err := database.Value[int64](context.Background(), f.db,
		"SELECT COUNT(*) FROM device_switch_history WHERE device_id = ?", d.ID())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

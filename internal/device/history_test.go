package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/micasa-home/micasa/internal/database"
)

func TestLevelHistoryBucketsKeepRunningAverage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.newDevice(t, KindLevel, true)

	// Two samples in the same 5-minute bucket collapse into one averaged
	// row.
	require.NoError(t, d.UpdateValue(SourcePlugin, 10.0))
	require.NoError(t, d.UpdateValue(SourcePlugin, 20.0))

	row, err := database.Row(ctx, f.db,
		"SELECT value, samples FROM device_level_history WHERE device_id = ?", d.ID())
	require.NoError(t, err)
	require.EqualValues(t, 2, row["samples"])
	require.EqualValues(t, 15.0, row["value"])
}

func TestCounterHistoryKeepsEverySample(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.newDevice(t, KindCounter, true)

	require.NoError(t, d.UpdateValue(SourcePlugin, 1.0))
	require.NoError(t, d.UpdateValue(SourcePlugin, 2.0))

	n, err := database.Value[int64](ctx, f.db,
		"SELECT COUNT(*) FROM device_counter_history WHERE device_id = ?", d.ID())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestDisabledDeviceDoesNotRecordHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.newDevice(t, KindText, false)

	require.NoError(t, d.UpdateValue(SourcePlugin, "hello"))
	require.Equal(t, "hello", d.Value())

	n, err := database.Value[int64](ctx, f.db,
		"SELECT COUNT(*) FROM device_text_history WHERE device_id = ?", d.ID())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGetDataGroupValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	counter := f.newDevice(t, KindCounter, true)
	_, err := counter.GetData(ctx, 1, "day", "5min")
	require.Error(t, err)

	level := f.newDevice(t, KindLevel, true)
	_, err = level.GetData(ctx, 1, "day", "hour")
	require.NoError(t, err)

	// Bad intervals are rejected; an unknown group just falls back to
	// daily buckets.
	_, err = level.GetData(ctx, 1, "fortnight", "hour")
	require.Error(t, err)
	_, err = level.GetData(ctx, 1, "day", "fortnight")
	require.NoError(t, err)
}

func TestGetDataReturnsRecentSwitchChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.newDevice(t, KindSwitch, true)

	require.NoError(t, d.UpdateValue(SourceAPI, "On"))
	require.NoError(t, d.UpdateValue(SourceAPI, "Off"))

	rows, err := d.GetData(ctx, 1, "day", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

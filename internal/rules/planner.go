package rules

import (
	"time"
	"weak"

	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/scheduler"
)

// drivePayload tags planned drive tasks so Clear and IsScheduled can find
// them without holding the device alive.
type drivePayload struct{ deviceID int64 }

// DrivePayload returns the task payload used for planned updates against
// the given device id.
func DrivePayload(deviceID int64) any { return drivePayload{deviceID: deviceID} }

// minHold is the smallest "for" duration worth scheduling a revert for.
const minHold = 0.05

// PlanUpdate schedules one or more updates driving d to target according
// to opts, tagged with the given source. Tasks hold only a weak reference
// to the device: removal of the device is never delayed by a pending
// drive, and a drive whose device is gone silently evaporates.
func PlanUpdate(d *device.Device, target any, opts TaskOptions, src device.Source) {
	sched := d.Scheduler()
	payload := DrivePayload(d.ID())

	if opts.Clear {
		sched.Erase(func(t *scheduler.Task) bool { return t.Payload == payload })
	}
	if opts.Recur {
		src &^= device.SourceScript | device.SourceTimer | device.SourceLink
		if src == 0 {
			// The stripped update still needs a source bit to clear the
			// device's source gate.
			src = device.SourceSystem
		}
	}

	repeat := opts.Repeat
	if repeat < 0 {
		repeat = -repeat
	}
	if repeat == 0 {
		repeat = 1
	}

	// Revert value captured at planning time: the option opposite for a
	// switch, the current value for everything else.
	var revert any
	if opts.For > minHold {
		if d.Kind() == device.KindSwitch {
			if s, ok := target.(string); ok {
				if opp, found := device.OppositeValue(s); found {
					revert = opp
				}
			}
		} else {
			revert = d.Value()
		}
	}

	wd := weak.Make(d)
	for i := 0; i < repeat; i++ {
		at := opts.After + float64(i)*(opts.For+opts.Interval)
		scheduleDrive(sched, wd, payload, secs(at), src, target)
		if revert != nil {
			scheduleDrive(sched, wd, payload, secs(at+opts.For), src, revert)
		}
	}
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func scheduleDrive(sched *scheduler.Scheduler, wd weak.Pointer[device.Device], payload any, delay time.Duration, src device.Source, value any) {
	sched.Schedule(delay, 0, 1, payload, func(*scheduler.Task) any {
		d := wd.Value()
		if d == nil {
			return nil
		}
		if err := d.UpdateValue(src, value); err != nil {
			return err
		}
		return nil
	})
}

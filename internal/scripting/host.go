// Package scripting runs user event scripts in an embedded goja
// interpreter. The host is single-threaded through a mutex: one batch of
// scripts runs at a time, which keeps the persisted userdata object
// consistent without any locking visible to script authors.
package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/logging"
	"github.com/micasa-home/micasa/internal/rules"
	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/settings"
)

// userdataKey is the process settings key holding the serialized userdata
// object between runs.
const userdataKey = "_userdata"

// Bridge is the host's view of the controller.
type Bridge interface {
	// FindDevice resolves a script selector: numeric id, name, or label.
	FindDevice(selector any) *device.Device
	// PlanUpdate routes a script-driven update through the task-options
	// planner with source SCRIPT.
	PlanUpdate(d *device.Device, value any, opts rules.TaskOptions, src device.Source)
	// Notice appends a message to every log-sink text device.
	Notice(msg string)
}

// Host owns the interpreter and the serialized run queue.
type Host struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	db     *database.DB
	cfg    *settings.Settings
	sched  *scheduler.Scheduler
	bridge Bridge
	log    *slog.Logger
}

// NewHost builds the script host and installs the four global functions.
func NewHost(db *database.DB, cfg *settings.Settings, sched *scheduler.Scheduler, bridge Bridge, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}
	h := &Host{
		vm:     goja.New(),
		db:     db,
		cfg:    cfg,
		sched:  sched,
		bridge: bridge,
		log:    log,
	}
	if err := h.vm.Set("updateDevice", h.jsUpdateDevice); err != nil {
		return nil, err
	}
	if err := h.vm.Set("getDevice", h.jsGetDevice); err != nil {
		return nil, err
	}
	if err := h.vm.Set("include", h.jsInclude); err != nil {
		return nil, err
	}
	if err := h.vm.Set("log", h.jsLog); err != nil {
		return nil, err
	}
	return h, nil
}

// Queue hands a batch of scripts to the serialized worker chain. key is
// the payload binding name ("event" or "timer").
func (h *Host) Queue(key string, payload map[string]any, scripts []Script) *scheduler.Task {
	return h.sched.Schedule(0, 0, 1, nil, func(*scheduler.Task) any {
		h.Run(context.Background(), key, payload, scripts)
		return nil
	})
}

// Run executes a batch under the host lock: load userdata, bind the
// payload, run each script, unbind, persist userdata.
func (h *Host) Run(ctx context.Context, key string, payload map[string]any, scripts []Script) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.loadUserdata()
	if err := h.vm.Set(key, h.vm.ToValue(payload)); err != nil {
		h.log.Error("failed to bind script payload", "key", key, "error", err)
		return
	}

	for _, s := range scripts {
		if _, err := h.vm.RunString(s.Code); err != nil {
			h.classify(ctx, s, err)
		}
	}

	_ = h.vm.Set(key, goja.Undefined())
	h.persistUserdata(ctx)
}

// classify sorts a script failure: a thrown exception is the script
// author's business and only gets logged; a syntax or internal error
// disables the script row so it cannot wedge every future batch.
func (h *Host) classify(ctx context.Context, s Script, err error) {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		h.log.Warn("script threw", "script", s.Name, "error", exc.Error())
		return
	}
	h.log.Error("script disabled after error", "script", s.Name, "error", err)
	if derr := DisableScript(ctx, h.db, s.ID); derr != nil {
		h.log.Error("failed to disable script", "script", s.Name, "error", derr)
	}
}

func (h *Host) loadUserdata() {
	var data any
	raw, _ := h.cfg.Get(userdataKey)
	if raw == "" || json.Unmarshal([]byte(raw), &data) != nil {
		data = map[string]any{}
	}
	if err := h.vm.Set("userdata", h.vm.ToValue(data)); err != nil {
		h.log.Error("failed to bind userdata", "error", err)
	}
}

func (h *Host) persistUserdata(ctx context.Context) {
	exported := h.vm.Get("userdata")
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return
	}
	raw, err := json.Marshal(exported.Export())
	if err != nil {
		h.log.Warn("userdata not serializable", "error", err)
		return
	}
	h.cfg.Put(userdataKey, string(raw))
	if err := h.cfg.Commit(ctx); err != nil {
		h.log.Error("failed to persist userdata", "error", err)
	}
}

// jsUpdateDevice implements updateDevice(selector, value[, options]).
func (h *Host) jsUpdateDevice(selector, value goja.Value, options ...string) error {
	d := h.bridge.FindDevice(selector.Export())
	if d == nil {
		return fmt.Errorf("no device matches %v", selector)
	}
	v := value.Export()
	switch d.Kind() {
	case device.KindLevel, device.KindCounter:
		if _, ok := v.(float64); !ok {
			if _, ok := v.(int64); !ok {
				return fmt.Errorf("device %q expects a numeric value", d.Name())
			}
		}
	case device.KindSwitch, device.KindText:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("device %q expects a string value", d.Name())
		}
	}
	opts := rules.ParseOptions(strings.Join(options, " "))
	h.bridge.PlanUpdate(d, v, opts, device.SourceScript)
	return nil
}

// jsGetDevice implements getDevice(selector).
func (h *Host) jsGetDevice(selector goja.Value) (map[string]any, error) {
	d := h.bridge.FindDevice(selector.Export())
	if d == nil {
		return nil, fmt.Errorf("no device matches %v", selector)
	}
	return d.JSON(), nil
}

// jsInclude implements include(name): load and run another enabled script.
func (h *Host) jsInclude(name string) error {
	s, err := ScriptByName(context.Background(), h.db, name)
	if err != nil {
		return fmt.Errorf("no script named %q", name)
	}
	if _, err := h.vm.RunString(s.Code); err != nil {
		return err
	}
	return nil
}

// jsLog implements log(x) at the SCRIPT level.
func (h *Host) jsLog(v goja.Value) {
	exported := v.Export()
	msg, ok := exported.(string)
	if !ok {
		raw, err := json.Marshal(exported)
		if err != nil {
			msg = fmt.Sprint(exported)
		} else {
			msg = string(raw)
		}
	}
	h.log.Log(context.Background(), logging.LevelScript, msg)
	h.bridge.Notice(msg)
}

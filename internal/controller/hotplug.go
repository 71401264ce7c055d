package controller

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// devDir is where serial device nodes appear and disappear.
const devDir = "/dev"

// serialPrefixes are the device-node names worth announcing to plugins.
var serialPrefixes = []string{"ttyUSB", "ttyACM", "ttyAMA", "cu.usb"}

// PortListener is notified when a serial device node is added or removed.
type PortListener func(port string, added bool)

// hotplugMonitor watches /dev for serial device nodes. It is optional:
// construction fails cleanly on platforms without a watchable /dev and
// the daemon runs without it. Callbacks run on the monitor's own
// goroutine, never on the scheduler pool, because plugins may want
// sub-second reaction to port arrival.
type hotplugMonitor struct {
	watcher *fsnotify.Watcher
	log     *slog.Logger
	done    chan struct{}

	mu        sync.Mutex
	listeners []PortListener
}

func newHotplugMonitor(log *slog.Logger) (*hotplugMonitor, error) {
	if _, err := os.Stat(devDir); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(devDir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &hotplugMonitor{
		watcher: watcher,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

// RegisterPortListener subscribes to serial hot-plug notifications. No-op
// when the monitor could not be started.
func (c *Controller) RegisterPortListener(l PortListener) {
	if c.hotplug == nil {
		return
	}
	c.hotplug.mu.Lock()
	c.hotplug.listeners = append(c.hotplug.listeners, l)
	c.hotplug.mu.Unlock()
}

func (m *hotplugMonitor) start() {
	go m.loop()
	m.log.Debug("hot-plug monitor watching", "dir", devDir)
}

func (m *hotplugMonitor) stop() {
	close(m.done)
	_ = m.watcher.Close()
}

func (m *hotplugMonitor) loop() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !isSerialNode(name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				m.notify(event.Name, true)
			case event.Has(fsnotify.Remove):
				m.notify(event.Name, false)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("hot-plug monitor error", "error", err)
		}
	}
}

func (m *hotplugMonitor) notify(port string, added bool) {
	m.log.Info("serial port change", "port", port, "added", added)
	m.mu.Lock()
	listeners := make([]PortListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, l := range listeners {
		l(port, added)
	}
}

func isSerialNode(name string) bool {
	for _, prefix := range serialPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

package daemon

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gosuda/tether/internal/event"
)

// Devices that can drive a session.
const (
	DeviceLocal  = "local"
	DeviceRemote = "remote"
)

//nolint:gochecknoglobals // sentinel errors
var (
	ErrUnknownDevice   = errors.New("daemon: unknown device")
	ErrSwitcherStopped = errors.New("daemon: device switcher stopped")
)

// DeviceSwitcher tracks whether the local terminal or a remote client is
// driving a session and announces every change as a device-switch event.
type DeviceSwitcher struct {
	sessionID string
	emit      func(event.Event)
	onChange  func(device string)

	mu      sync.Mutex
	device  string
	stopped bool
}

// NewDeviceSwitcher starts in DeviceLocal. emit receives device-switch
// events; onChange, if set, is called after each change.
func NewDeviceSwitcher(sessionID string, emit func(event.Event), onChange func(device string)) *DeviceSwitcher {
	return &DeviceSwitcher{
		sessionID: sessionID,
		emit:      emit,
		onChange:  onChange,
		device:    DeviceLocal,
	}
}

// Device returns the device currently driving the session.
func (s *DeviceSwitcher) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Switch hands control to device. Switching to the current device is a
// no-op and emits nothing.
func (s *DeviceSwitcher) Switch(device string) error {
	if device != DeviceLocal && device != DeviceRemote {
		return fmt.Errorf("daemon.DeviceSwitcher.Switch: %q: %w", device, ErrUnknownDevice)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSwitcherStopped
	}
	if s.device == device {
		s.mu.Unlock()
		return nil
	}
	s.device = device
	s.mu.Unlock()

	if s.emit != nil {
		s.emit(event.DeviceSwitch{Device: device})
	}
	if s.onChange != nil {
		s.onChange(device)
	}
	return nil
}

// Stop rejects further switches.
func (s *DeviceSwitcher) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

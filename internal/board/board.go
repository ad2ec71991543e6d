// Package board provides the peripherals the scanner core needs from the
// machine it runs on: battery level, uptime, reboot and firmware update.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/host"
)

var (
	// ErrReboot is the cause attached to the run context when a reboot is
	// requested.
	ErrReboot = errors.New("board: reboot requested")
	// ErrDFUUnsupported is returned by updaters that cannot enter firmware
	// update mode.
	ErrDFUUnsupported = errors.New("board: firmware update not supported")
)

// Board reports the node's power and run time and can restart it.
type Board interface {
	BatteryLevel() (uint8, error)
	Uptime() (time.Duration, error)
	Reboot() error
}

// Updater switches the node into firmware update mode.
type Updater interface {
	EnterDFU() error
}

// MainsLevel is the battery level a mains-powered host reports, 3.3 V in
// centivolts above 2.0 V.
const MainsLevel uint8 = 130

// Host is the Board and Updater of a general purpose machine. Reboot
// cancels the run context instead of restarting the machine; the process
// supervisor is expected to start blesc again.
type Host struct {
	cancel context.CancelCauseFunc
	log    *slog.Logger
}

// NewHost returns a Host whose Reboot calls cancel with ErrReboot.
func NewHost(cancel context.CancelCauseFunc, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{cancel: cancel, log: logger}
}

// BatteryLevel always reports MainsLevel.
func (h *Host) BatteryLevel() (uint8, error) { return MainsLevel, nil }

// Uptime returns the time since the machine booted.
func (h *Host) Uptime() (time.Duration, error) {
	secs, err := host.Uptime()
	if err != nil {
		return 0, fmt.Errorf("board: uptime: %w", err)
	}
	return time.Duration(secs) * time.Second, nil
}

// Reboot stops the run loop.
func (h *Host) Reboot() error {
	h.log.Warn("[BOARD] reboot requested")
	if h.cancel != nil {
		h.cancel(ErrReboot)
	}
	return nil
}

// EnterDFU is not available on a host.
func (h *Host) EnterDFU() error { return ErrDFUUnsupported }

// Describe summarises the host for the startup log.
func (h *Host) Describe() string {
	info, err := host.Info()
	if err != nil {
		return "unknown host"
	}
	return fmt.Sprintf("%s (%s %s, %s)", info.Hostname, info.Platform, info.PlatformVersion, info.KernelArch)
}

var (
	_ Board   = (*Host)(nil)
	_ Updater = (*Host)(nil)
)

package platform

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
	sdWatchdog = daemon.SdNotifyWatchdog
)

// systemdNotify reports whether the notification was delivered. Outside
// systemd (no NOTIFY_SOCKET) it is a no-op.
func systemdNotify(state string) bool {
	sent, _ := daemon.SdNotify(false, state)
	return sent
}

// watchdogInterval is WATCHDOG_USEC for this process, or 0.
func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "relaybot/pkg/logx"
)

// Notifier reports lifecycle state to the service manager.
type Notifier interface {
	Ready()
	Stopping()
	Watchdog()
	// WatchdogInterval returns 0 when the manager expects no keep-alives.
	WatchdogInterval() time.Duration
}

// systemdNotifier talks to systemd through NOTIFY_SOCKET. Every call is a
// no-op when the process is not running under systemd.
type systemdNotifier struct{}

func (systemdNotifier) Ready()    { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func (systemdNotifier) Stopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }
func (systemdNotifier) Watchdog() { _, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog) }

func (systemdNotifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// startSystemd signals readiness and, when WATCHDOG_USEC is set, pings the
// watchdog at half its interval until the app stops.
func (a *App) startSystemd() {
	a.notify.Ready()
	every := a.notify.WatchdogInterval() / 2
	if every <= 0 {
		return
	}
	a.log.Debug("systemd watchdog enabled", logx.Duration("every", every))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				a.notify.Watchdog()
			}
		}
	})
}

package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "studiobot/pkg/logx"
)

// sdNotifier reports lifecycle changes to systemd. Without NOTIFY_SOCKET
// every call is a no-op.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdog pings systemd at half of WatchdogSec while alive reports true.
// It returns at once when the unit has no watchdog.
func (n sdNotifier) watchdog(ctx context.Context, alive func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if alive() {
				n.notify(daemon.SdNotifyWatchdog)
			} else {
				n.log.Warn("skipping watchdog ping, scheduler not running")
			}
		}
	}
}

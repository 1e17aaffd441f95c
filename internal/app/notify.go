package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "svcdispatch/pkg/logx"
)

// sdNotifier reports service state to systemd. Outside a Type=notify unit
// NOTIFY_SOCKET is unset and every call is a no-op.
type sdNotifier struct {
	log logx.Logger
	// send is daemon.SdNotify; tests replace it.
	send func(unsetEnv bool, state string) (bool, error)
}

func newNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{log: log, send: daemon.SdNotify}
}

func (n *sdNotifier) notify(state string) {
	sent, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()            { n.notify(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping()         { n.notify(daemon.SdNotifyStopping) }
func (n *sdNotifier) Reloading()        { n.notify(daemon.SdNotifyReloading) }
func (n *sdNotifier) Status(msg string) { n.notify("STATUS=" + msg) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns immediately when the watchdog is not enabled.
func (n *sdNotifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	n.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}

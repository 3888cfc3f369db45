package app

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"livewatch/internal/poller"
	logx "livewatch/pkg/logx"
)

// sdNotifier reports readiness and liveness to systemd. Outside a
// notify-type unit every call is a no-op.
type sdNotifier struct {
	log      logx.Logger
	watchdog time.Duration

	mu   sync.Mutex
	last time.Time
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{log: log}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
	} else if d > 0 {
		n.watchdog = d
		log.Info("systemd watchdog enabled", logx.Duration("interval", d))
	}
	return n
}

func (n *sdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

// ObserveTick pets the watchdog after completed ticks, at most twice per
// watchdog interval. A stuck tick loop therefore trips the watchdog.
func (n *sdNotifier) ObserveTick(s poller.TickStats) {
	if n.watchdog <= 0 {
		return
	}
	n.mu.Lock()
	due := time.Since(n.last) >= n.watchdog/2
	if due {
		n.last = time.Now()
	}
	n.mu.Unlock()
	if due {
		n.notify(daemon.SdNotifyWatchdog)
	}
}

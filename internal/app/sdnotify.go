package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/runtime/supervisor"
	"github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// notifyReady tells the service manager the bot is up. A no-op outside a
// systemd unit (NOTIFY_SOCKET unset).
func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify ready failed", logx.Any("err", err))
		return
	}
	if sent {
		log.Debug("sd_notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn("sd_notify stopping failed", logx.Any("err", err))
	}
}

// startWatchdog arms the systemd watchdog pulse when WatchdogSec is set on
// the unit. Pinging at half the interval keeps one missed tick survivable.
func startWatchdog(sup *supervisor.Supervisor, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd_watchdog probe failed", logx.Any("err", err))
		return
	}
	if interval == 0 {
		return
	}
	log.Info("systemd watchdog armed", logx.Duration("interval", interval))
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// Package watchdog keeps the systemd watchdog fed while the tick loop is alive.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Probe reports whether the service is making progress. A failing probe
// withholds the keepalive so systemd restarts a wedged monitor.
type Probe func() error

// StatusFunc returns the one-line status shown by `systemctl status`
type StatusFunc func() string

// notifyFunc matches daemon.SdNotify
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Pinger sends keepalive and status notifications to systemd
type Pinger struct {
	enabled  bool // watchdog keepalives requested
	systemd  bool // READY/STOPPING wanted even without the watchdog
	interval time.Duration
	probe    Probe
	status   StatusFunc
	notify   notifyFunc
	logger   *slog.Logger

	withheld int
}

// Options configures a Pinger. Probe and Status may be nil.
type Options struct {
	Probe  Probe
	Status StatusFunc
	Logger *slog.Logger
}

// NewPinger detects whether systemd's watchdog is enabled for this unit
func NewPinger(opts Options) *Pinger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pinger{
		probe:   opts.Probe,
		status:  opts.Status,
		notify:  daemon.SdNotify,
		logger:  logger,
		systemd: IsRunningUnderSystemd(),
	}

	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil || timeout == 0 {
		logger.Info("systemd watchdog not enabled, skipping keepalives")
		return p
	}

	// Half the timeout leaves room for one missed ping
	p.enabled = true
	p.interval = timeout / 2

	logger.Info("systemd watchdog enabled",
		"watchdog_timeout", timeout,
		"ping_interval", p.interval,
	)
	return p
}

// Start pings until ctx is cancelled. It does not send READY; call
// NotifyReady once the monitor is serving.
func (p *Pinger) Start(ctx context.Context) {
	if !p.enabled {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("watchdog pinger stopped")
			return
		case <-ticker.C:
			p.ping()
		}
	}
}

// ping sends one keepalive, or withholds it when the probe fails
func (p *Pinger) ping() bool {
	if p.probe != nil {
		if err := p.probe(); err != nil {
			p.withheld++
			p.logger.Warn("withholding watchdog ping",
				"error", err,
				"consecutive", p.withheld,
			)
			return false
		}
	}
	if p.withheld > 0 {
		p.logger.Info("monitor recovered, resuming watchdog pings", "withheld", p.withheld)
		p.withheld = 0
	}

	state := daemon.SdNotifyWatchdog
	if p.status != nil {
		state = fmt.Sprintf("%s\nSTATUS=%s", state, p.status())
	}

	sent, err := p.notify(false, state)
	if err != nil {
		p.logger.Error("failed to send watchdog ping", "error", err)
		return false
	}
	if sent {
		p.logger.Debug("watchdog ping sent")
	}
	return sent
}

// NotifyReady tells systemd the service finished starting. It is sent under
// systemd even when the watchdog is off, as Type=notify units require it.
func (p *Pinger) NotifyReady() {
	p.send(daemon.SdNotifyReady, "ready")
}

// NotifyStopping tells systemd a clean shutdown has begun
func (p *Pinger) NotifyStopping() {
	p.send(daemon.SdNotifyStopping, "stopping")
}

func (p *Pinger) send(state, label string) {
	if !p.enabled && !p.systemd {
		return
	}
	sent, err := p.notify(false, state)
	if err != nil {
		p.logger.Error("failed to notify systemd", "state", label, "error", err)
	} else if sent {
		p.logger.Info("notified systemd", "state", label)
	}
}

// IsEnabled returns whether watchdog is enabled
func (p *Pinger) IsEnabled() bool {
	return p.enabled
}

// GetInterval returns the ping interval
func (p *Pinger) GetInterval() time.Duration {
	return p.interval
}

// IsRunningUnderSystemd checks for the environment systemd sets on service units
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != "" || os.Getenv("INVOCATION_ID") != ""
}

package transport

import (
	"context"
	"log/slog"
	"time"
)

// Monitored is the view the heartbeat needs of a link. *Supervisor satisfies
// it.
type Monitored interface {
	Kind() Kind
	State() State
	IsReady() bool
	Recover()
	ResetRetry()
}

// HeartbeatMonitor checks every link on a single ticker. A link that is not
// Ready is handed to Recover; a Ready one has its retry budget restored. Idle
// and GivenUp links are left alone.
type HeartbeatMonitor struct {
	interval time.Duration
	links    []Monitored
}

// NewHeartbeatMonitor returns a monitor over links. A non-positive interval
// selects DefaultHeartbeatInterval.
func NewHeartbeatMonitor(interval time.Duration, links ...Monitored) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatMonitor{interval: interval, links: links}
}

// Run ticks until ctx is cancelled.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Tick performs one check of every link.
func (h *HeartbeatMonitor) Tick() {
	for _, l := range h.links {
		switch l.State() {
		case StateIdle, StateGivenUp:
			continue
		}
		if l.IsReady() {
			l.ResetRetry()
			continue
		}
		slog.Debug("[LINK] heartbeat: link not ready", "link", l.Kind(), "state", l.State())
		l.Recover()
	}
}

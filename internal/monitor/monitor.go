// Package monitor runs the dead-man's switch: a fixed-interval sweep that
// opens recovery attempts for overdue vaults and ticks every in-flight
// request so timelock expiry never depends on an external caller polling.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"heirloom.org/internal/obs"
	"heirloom.org/internal/vault"
)

// Monitor owns the sweep schedule. Sweeps are single-flight: a tick that
// fires while the previous sweep is still running is skipped.
type Monitor struct {
	svc      *vault.Service
	interval time.Duration
	now      func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
}

// New builds a monitor sweeping at the given interval (default once per hour).
func New(svc *vault.Service, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Monitor{
		svc:      svc,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Only intended for test use.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	if now != nil {
		m.now = now
	}
	return m
}

// Start launches the sweep loop. Safe to call once; Stop shuts it down.
func (m *Monitor) Start(ctx context.Context) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.startMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: open attempts for overdue vaults, then tick every
// open request. A failure on one vault is logged and never aborts the rest.
func (m *Monitor) Sweep(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	start := m.now()
	m.sweepVaults(ctx)
	m.tickRequests(ctx)
	obs.MonitorSweepsTotal.Inc()
	obs.MonitorSweepDuration.Observe(m.now().Sub(start).Seconds())
}

func (m *Monitor) sweepVaults(ctx context.Context) {
	vaults, err := m.svc.ActiveVaults(ctx)
	if err != nil {
		obs.Log(map[string]any{"level": "error", "msg": "inactivity sweep list vaults failed", "err": err.Error()})
		return
	}
	now := m.now()
	for _, v := range vaults {
		if !now.After(v.NextCheckInDueAt()) {
			continue
		}
		_, err := m.svc.OpenRecovery(ctx, v.ID, vault.OriginOwnerInactivity, "monitor")
		switch {
		case err == nil:
			obs.Log(map[string]any{
				"level": "info",
				"msg":   "inactivity recovery opened",
				"vault": v.ID,
				"due":   v.NextCheckInDueAt().Format(time.RFC3339),
			})
		case errors.Is(err, vault.ErrConflict):
			// A request is already in flight; expected between sweeps.
		default:
			obs.Log(map[string]any{"level": "error", "msg": "inactivity open failed", "vault": v.ID, "err": err.Error()})
		}
	}
}

func (m *Monitor) tickRequests(ctx context.Context) {
	requests, err := m.svc.OpenRequests(ctx)
	if err != nil {
		obs.Log(map[string]any{"level": "error", "msg": "inactivity sweep list requests failed", "err": err.Error()})
		return
	}
	for _, req := range requests {
		if _, err := m.svc.Tick(ctx, req.ID); err != nil {
			obs.Log(map[string]any{"level": "error", "msg": "recovery tick failed", "request": req.ID, "vault": req.VaultID, "err": err.Error()})
		}
	}
}

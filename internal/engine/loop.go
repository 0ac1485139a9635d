package engine

import (
	"context"
	"time"

	"github.com/tmcgann/fieldsync/internal/settings"
)

// Run drives automatic syncing until ctx is cancelled. Two triggers feed
// it: the periodic interval from persisted settings, and connectivity
// transitions from offline to online. Settings are re-read every tick so
// interval and auto-sync changes take effect without a restart.
//
// Cycles triggered here go through the same single-flight guard as
// ForceSync, so a manual sync racing the timer is harmless.
func (e *Engine) Run(ctx context.Context) {
	sett, err := settings.Load(e.store)
	if err != nil {
		e.logger.Printf("Warning: failed to load settings, using defaults: %v", err)
		sett = settings.Default()
	}

	events := e.monitor.Subscribe()
	defer e.monitor.Unsubscribe(events)

	ticker := time.NewTicker(sett.Interval())
	defer ticker.Stop()

	e.logger.Printf("Auto-sync loop started (interval %s)", sett.Interval())

	prev := e.monitor.Current()
	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("Auto-sync loop stopped")
			return

		case state := <-events:
			cameOnline := state.Reachable && !prev.Reachable
			prev = state
			if !cameOnline {
				continue
			}
			e.logger.Printf("Connectivity restored (%s), triggering sync", state.Kind)
			e.maybeSync(ctx)

		case <-ticker.C:
			next, err := settings.Load(e.store)
			if err == nil && next.Interval() != sett.Interval() {
				ticker.Reset(next.Interval())
				e.logger.Printf("Sync interval changed to %s", next.Interval())
			}
			if err == nil {
				sett = next
			}
			if !sett.AutoSync {
				continue
			}
			e.maybeSync(ctx)
		}
	}
}

// maybeSync runs a cycle in the calling goroutine, tolerating the
// single-flight decline.
func (e *Engine) maybeSync(ctx context.Context) {
	if _, ran := e.ForceSync(ctx); !ran {
		e.logger.Printf("Sync already in progress, skipping trigger")
	}
}

// Reachable is a convenience passthrough for callers holding only the
// engine.
func (e *Engine) Reachable() bool {
	return e.monitor.Current().Reachable
}

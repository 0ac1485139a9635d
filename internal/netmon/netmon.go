// Package netmon tracks the device's network reachability and publishes
// state-change events to subscribers.
//
// The monitor holds no sync policy: it never decides whether a sync should
// run, it only reports what the platform told it. Transitions are driven
// exclusively by an observed platform signal fed through Publish or a
// Source; the monitor never guesses by probing.
package netmon

import (
	"context"
	"sync"
)

// Kind classifies the active network link.
type Kind string

const (
	// KindWifi is a wifi link.
	KindWifi Kind = "wifi"
	// KindCellular is a metered cellular link.
	KindCellular Kind = "cellular"
	// KindNone means no link is active.
	KindNone Kind = "none"
	// KindUnknown means the platform has not reported yet.
	KindUnknown Kind = "unknown"
)

// State is a snapshot of network reachability.
type State struct {
	Reachable bool `json:"reachable"`
	Kind      Kind `json:"kind"`
}

// Offline is the state for a device with no network link.
func Offline() State {
	return State{Reachable: false, Kind: KindNone}
}

// Online is the state for a reachable device on the given link kind.
func Online(kind Kind) State {
	return State{Reachable: true, Kind: kind}
}

// Source delivers platform reachability events. Implementations bridge
// whatever the host OS provides (network manager hooks, state files) into
// the monitor.
type Source interface {
	// Events returns the channel on which platform states are delivered.
	Events() <-chan State
}

// Monitor is the process-wide reachability tracker. It starts in the
// Unknown state and only moves on observed platform events.
type Monitor struct {
	mu    sync.RWMutex
	state State
	subs  map[chan State]struct{}
}

// New creates a monitor in the initial Unknown state.
func New() *Monitor {
	return &Monitor{
		state: State{Reachable: false, Kind: KindUnknown},
		subs:  make(map[chan State]struct{}),
	}
}

// Current returns the last observed state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Publish records a platform-observed state. Publishing the current state
// again is a no-op: subscribers only see transitions.
func (m *Monitor) Publish(s State) {
	m.mu.Lock()
	if s == m.state {
		m.mu.Unlock()
		return
	}
	m.state = s

	subs := make([]chan State, 0, len(m.subs))
	for ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			// Slow subscriber; it can recover via Current().
		}
	}
}

// Subscribe registers for state-change events. The returned channel is
// buffered; a subscriber that falls behind misses intermediate transitions
// but never blocks the monitor.
func (m *Monitor) Subscribe() chan State {
	ch := make(chan State, 8)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Monitor) Unsubscribe(ch chan State) {
	m.mu.Lock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
	m.mu.Unlock()
}

// Run feeds states from a platform source into the monitor until the
// context is cancelled or the source channel closes.
func (m *Monitor) Run(ctx context.Context, src Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-src.Events():
			if !ok {
				return
			}
			m.Publish(s)
		}
	}
}

// StaticSource emits a single fixed state and then stays silent. Useful
// for CLI one-shot commands that must assume a link state.
type StaticSource struct {
	ch chan State
}

// NewStaticSource creates a source that delivers exactly one state.
func NewStaticSource(s State) *StaticSource {
	ch := make(chan State, 1)
	ch <- s
	return &StaticSource{ch: ch}
}

// Events implements Source.
func (s *StaticSource) Events() <-chan State {
	return s.ch
}

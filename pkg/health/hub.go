package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stevedore-sh/stevedore/pkg/types"
)

// ErrHealthyDeadline is returned when an allocation does not hold
// healthy for the required time before the deadline expires.
var ErrHealthyDeadline = errors.New("allocation did not become healthy in time")

// Hub fans externally produced health signals in to whoever supervises
// the allocation. The core never executes health checks itself; the
// health collaborator pushes healthy/unhealthy/unknown per allocation.
type Hub struct {
	mu       sync.RWMutex
	state    map[string]types.HealthState
	watchers map[string]map[chan types.HealthState]bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		state:    make(map[string]types.HealthState),
		watchers: make(map[string]map[chan types.HealthState]bool),
	}
}

// Report records a health signal for an allocation and notifies watchers
func (h *Hub) Report(allocID string, state types.HealthState) {
	h.mu.Lock()
	h.state[allocID] = state
	watchers := make([]chan types.HealthState, 0, len(h.watchers[allocID]))
	for ch := range h.watchers[allocID] {
		watchers = append(watchers, ch)
	}
	h.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- state:
		default:
			// Watcher buffer full; it will catch up via Current
		}
	}
}

// Current returns the last reported state, unknown if never reported
func (h *Hub) Current(allocID string) types.HealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if s, ok := h.state[allocID]; ok {
		return s
	}
	return types.HealthUnknown
}

// Watch subscribes to health updates for one allocation. The returned
// cancel func must be called to release the subscription.
func (h *Hub) Watch(allocID string) (<-chan types.HealthState, func()) {
	ch := make(chan types.HealthState, 16)

	h.mu.Lock()
	if h.watchers[allocID] == nil {
		h.watchers[allocID] = make(map[chan types.HealthState]bool)
	}
	h.watchers[allocID][ch] = true
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.watchers[allocID], ch)
		if len(h.watchers[allocID]) == 0 {
			delete(h.watchers, allocID)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Forget drops all recorded state for an allocation
func (h *Hub) Forget(allocID string) {
	h.mu.Lock()
	delete(h.state, allocID)
	h.mu.Unlock()
}

// WaitHealthyFor blocks until the allocation has held healthy for
// minHealthy continuously. The hold timer is reset the moment the
// allocation regresses; this is a timer, not a poll. deadline bounds
// the whole wait; ctx cancels it.
func (h *Hub) WaitHealthyFor(ctx context.Context, allocID string, minHealthy, deadline time.Duration) error {
	updates, cancel := h.Watch(allocID)
	defer cancel()

	deadlineTimer := time.NewTimer(deadline)
	defer deadlineTimer.Stop()

	var holdC <-chan time.Time
	var holdTimer *time.Timer
	stopHold := func() {
		if holdTimer != nil {
			holdTimer.Stop()
			holdTimer = nil
			holdC = nil
		}
	}
	startHold := func() {
		stopHold()
		holdTimer = time.NewTimer(minHealthy)
		holdC = holdTimer.C
	}
	defer stopHold()

	if h.Current(allocID) == types.HealthHealthy {
		startHold()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadlineTimer.C:
			return ErrHealthyDeadline

		case <-holdC:
			// Re-check in case a regression was dropped from the buffer
			if h.Current(allocID) == types.HealthHealthy {
				return nil
			}
			stopHold()

		case s := <-updates:
			switch {
			case s == types.HealthHealthy && holdC == nil:
				startHold()
			case s != types.HealthHealthy:
				stopHold()
			}
		}
	}
}

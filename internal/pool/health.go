package pool

import (
	"fmt"
	"sync"
)

// Health classifies the state of a backend connection.
type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthDegraded     Health = "degraded"
	HealthUnhealthy    Health = "unhealthy"
	HealthDisconnected Health = "disconnected"
)

// Backend names used across health reporting and errors.
const (
	BackendDurable = "durable"
	BackendCache   = "cache"
)

// Classification thresholds over the rolling failure window.
const (
	degradedFailureRate  = 0.10
	unhealthyFailureRate = 0.30
)

// ConnectionError reports that a backend pool is absent or too unhealthy
// to serve requests.
type ConnectionError struct {
	Backend string
	Reason  string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", e.Backend, e.Reason)
}

// failureWindow is a fixed-size rolling record of operation outcomes used
// to derive a failure rate for health classification.
type failureWindow struct {
	outcomes []bool // true = failure
	next     int
	filled   int
	mu       sync.Mutex
}

func newFailureWindow(size int) *failureWindow {
	if size <= 0 {
		size = 20
	}
	return &failureWindow{outcomes: make([]bool, size)}
}

// Record appends an operation outcome to the window.
func (w *failureWindow) Record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[w.next] = failed
	w.next = (w.next + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

// FailureRate returns the fraction of failures over the recorded window.
func (w *failureWindow) FailureRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < w.filled; i++ {
		if w.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(w.filled)
}

// Reset clears the window, used after a successful reconnect.
func (w *failureWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.outcomes {
		w.outcomes[i] = false
	}
	w.next = 0
	w.filled = 0
}

// classify maps a failure rate onto a health state.
func classify(rate float64) Health {
	switch {
	case rate > unhealthyFailureRate:
		return HealthUnhealthy
	case rate > degradedFailureRate:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureWindowEmpty(t *testing.T) {
	w := newFailureWindow(10)
	assert.Equal(t, 0.0, w.FailureRate())
}

func TestFailureWindowRate(t *testing.T) {
	w := newFailureWindow(10)
	for i := 0; i < 8; i++ {
		w.Record(false)
	}
	w.Record(true)
	w.Record(true)
	assert.InDelta(t, 0.2, w.FailureRate(), 1e-9)
}

func TestFailureWindowRolls(t *testing.T) {
	w := newFailureWindow(4)
	for i := 0; i < 4; i++ {
		w.Record(true)
	}
	assert.Equal(t, 1.0, w.FailureRate())

	// Successes overwrite the oldest failures.
	for i := 0; i < 4; i++ {
		w.Record(false)
	}
	assert.Equal(t, 0.0, w.FailureRate())
}

func TestFailureWindowReset(t *testing.T) {
	w := newFailureWindow(4)
	w.Record(true)
	w.Record(true)
	w.Reset()
	assert.Equal(t, 0.0, w.FailureRate())
}

func TestClassifyThresholds(t *testing.T) {
	assert.Equal(t, HealthHealthy, classify(0.0))
	assert.Equal(t, HealthHealthy, classify(0.10))
	assert.Equal(t, HealthDegraded, classify(0.11))
	assert.Equal(t, HealthDegraded, classify(0.30))
	assert.Equal(t, HealthUnhealthy, classify(0.31))
	assert.Equal(t, HealthUnhealthy, classify(1.0))
}

func TestConnectionErrorMessage(t *testing.T) {
	err := &ConnectionError{Backend: BackendDurable, Reason: "backend unhealthy"}
	assert.Equal(t, "connection error (durable): backend unhealthy", err.Error())
}

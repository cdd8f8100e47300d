package upstreamhealth

import (
	"testing"
	"time"

	"github.com/ncecere/usage_insights/internal/config"
)

func TestMonitorStaysHealthyWithMixedOutcomes(t *testing.T) {
	m := NewMonitor(config.HealthConfig{RollingWindow: 3, Cooldown: time.Minute})

	m.RecordFailure()
	m.RecordSuccess()
	m.RecordFailure()

	status := m.Status()
	if !status.Healthy {
		t.Fatalf("mixed window must stay healthy: %+v", status)
	}
	if status.Failures != 2 {
		t.Fatalf("expected 2 failures in window, got %d", status.Failures)
	}
}

func TestMonitorDegradesOnFullFailureWindow(t *testing.T) {
	m := NewMonitor(config.HealthConfig{RollingWindow: 3, Cooldown: time.Minute})
	current := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		m.RecordFailure()
	}
	if status := m.Status(); status.Healthy {
		t.Fatalf("full failure window must degrade: %+v", status)
	}

	// A single success during the cooldown does not clear the state.
	m.RecordSuccess()
	if status := m.Status(); status.Healthy {
		t.Fatal("cooldown must hold despite one success")
	}

	// After cooldown with a success in the window, recovery.
	current = current.Add(2 * time.Minute)
	if status := m.Status(); !status.Healthy {
		t.Fatalf("expected recovery after cooldown: %+v", status)
	}
}

func TestMonitorPartialWindowNeverDegrades(t *testing.T) {
	m := NewMonitor(config.HealthConfig{RollingWindow: 5, Cooldown: time.Minute})
	m.RecordFailure()
	m.RecordFailure()
	if status := m.Status(); !status.Healthy {
		t.Fatalf("unfilled window must not degrade: %+v", status)
	}
}

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mongolink/mongolink/internal/config"
	"github.com/mongolink/mongolink/internal/router"
)

var testHealthCfg = config.HealthCheckConfig{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 5 * time.Second,
}

func newTestRouter() *router.Router {
	return router.New(&config.Config{
		Profiles: map[string]config.ProfileConfig{
			"primary": {URI: "mongodb://localhost:27017/db"},
		},
	})
}

// fakePinger lets tests control whether Ping succeeds without dialing a
// real server.
type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestCheckerInitialState(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	// Unknown profile should be treated as healthy
	if !c.IsHealthy("unknown") {
		t.Error("unknown profile should be treated as healthy")
	}

	status := c.GetStatus("unknown")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after healthy update")
	}

	status := c.GetStatus("test")
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}

	// Single failure shouldn't make it unhealthy (threshold is 3)
	c.updateStatus("test", false)
	if !c.IsHealthy("test") {
		t.Error("should still be healthy after one failure")
	}

	status = c.GetStatus("test")
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy after 3 consecutive failures")
	}

	status := c.GetStatus("test")
	if status.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", status.Status)
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy")
	}

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after recovery")
	}

	status := c.GetStatus("test")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	// No profiles checked yet
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus("good", true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy profile")
	}

	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	c.updateStatus("bad", false)

	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy profile")
	}
}

func TestGetAllStatuses(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("t1", true)
	c.updateStatus("t2", true)

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)
	c.Start()

	// Should not panic
	c.Stop()
	c.Stop()
}

func TestCheckAllIsParallel(t *testing.T) {
	r := router.New(&config.Config{
		Profiles: map[string]config.ProfileConfig{
			"p1": {URI: "mongodb://host1:27017/db"},
			"p2": {URI: "mongodb://host2:27017/db"},
			"p3": {URI: "mongodb://host3:27017/db"},
		},
	})
	c := NewChecker(r, nil, testHealthCfg)
	// No client provider configured: every ping fails gracefully, but
	// checkAll must still update a status per profile without panicking.
	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 3 {
		t.Errorf("expected 3 statuses after checkAll, got %d", len(statuses))
	}
}

func TestPingProfileUsesClientProvider(t *testing.T) {
	r := newTestRouter()
	c := NewChecker(r, nil, testHealthCfg)

	p := &fakePinger{}
	c.SetClientProvider(func(profile string) (Pinger, bool) {
		if profile != "primary" {
			return nil, false
		}
		return p, true
	})

	if !c.pingProfile("primary") {
		t.Error("expected ping to succeed when the fake pinger returns nil")
	}

	p.setErr(errors.New("connection refused"))
	if c.pingProfile("primary") {
		t.Error("expected ping to fail when the fake pinger returns an error")
	}

	if c.pingProfile("unknown") {
		t.Error("expected ping to fail for a profile with no client")
	}
}

func TestRemoveProfile(t *testing.T) {
	c := NewChecker(newTestRouter(), nil, testHealthCfg)

	c.updateStatus("profile_a", true)
	c.updateStatus("profile_b", true)

	if len(c.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 statuses before removal")
	}

	c.RemoveProfile("profile_a")

	statuses := c.GetAllStatuses()
	if len(statuses) != 1 {
		t.Errorf("expected 1 status after removal, got %d", len(statuses))
	}
	if _, exists := statuses["profile_a"]; exists {
		t.Error("profile_a should have been removed")
	}
	if _, exists := statuses["profile_b"]; !exists {
		t.Error("profile_b should still exist")
	}

	// Remove nonexistent profile should not panic
	c.RemoveProfile("nonexistent")
}

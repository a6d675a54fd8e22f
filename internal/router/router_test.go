package router

import (
	"testing"

	"github.com/mongolink/mongolink/internal/config"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Defaults: config.PoolDefaults{
			MaxConnections: 20,
		},
		Profiles: map[string]config.ProfileConfig{
			"profile_1": {URI: "mongodb://host1:27017/db1"},
			"profile_2": {URI: "mongodb://host2:27017/db2"},
		},
	}
}

func TestResolve(t *testing.T) {
	r := New(newTestConfig())

	pc, err := r.Resolve("profile_1")
	if err != nil {
		t.Fatalf("Resolve profile_1 failed: %v", err)
	}
	if pc.URI != "mongodb://host1:27017/db1" {
		t.Errorf("unexpected uri: %s", pc.URI)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New(newTestConfig())

	_, err := r.Resolve("nonexistent")
	if err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestAddAndRemoveProfile(t *testing.T) {
	r := New(newTestConfig())

	pc := config.ProfileConfig{URI: "mongodb://new-host:27017/newdb"}
	r.AddProfile("profile_3", pc)

	resolved, err := r.Resolve("profile_3")
	if err != nil {
		t.Fatalf("Resolve profile_3 failed: %v", err)
	}
	if resolved.URI != "mongodb://new-host:27017/newdb" {
		t.Errorf("unexpected uri: %s", resolved.URI)
	}

	if !r.RemoveProfile("profile_3") {
		t.Error("RemoveProfile should return true")
	}

	_, err = r.Resolve("profile_3")
	if err == nil {
		t.Error("expected error after removal")
	}
}

func TestRemoveNonexistent(t *testing.T) {
	r := New(newTestConfig())

	if r.RemoveProfile("nonexistent") {
		t.Error("RemoveProfile should return false for a nonexistent profile")
	}
}

func TestListProfiles(t *testing.T) {
	r := New(newTestConfig())

	profiles := r.ListProfiles()
	if len(profiles) != 2 {
		t.Errorf("expected 2 profiles, got %d", len(profiles))
	}
}

func TestReload(t *testing.T) {
	r := New(newTestConfig())

	newCfg := &config.Config{
		Defaults: config.PoolDefaults{MaxConnections: 50},
		Profiles: map[string]config.ProfileConfig{
			"profile_new": {URI: "mongodb://new-host:27017/newdb"},
		},
	}

	r.Reload(newCfg)

	if _, err := r.Resolve("profile_1"); err == nil {
		t.Error("expected error for old profile after reload")
	}

	pc, err := r.Resolve("profile_new")
	if err != nil {
		t.Fatalf("Resolve profile_new failed: %v", err)
	}
	if pc.URI != "mongodb://new-host:27017/newdb" {
		t.Errorf("unexpected uri: %s", pc.URI)
	}

	if defaults := r.Defaults(); defaults.MaxConnections != 50 {
		t.Errorf("expected max connections 50, got %d", defaults.MaxConnections)
	}
}

func TestPauseResumeProfile(t *testing.T) {
	r := New(newTestConfig())

	if r.IsPaused("profile_1") {
		t.Error("profile_1 should not be paused initially")
	}

	if !r.PauseProfile("profile_1") {
		t.Error("PauseProfile should return true for an existing profile")
	}
	if !r.IsPaused("profile_1") {
		t.Error("profile_1 should be paused")
	}

	if r.IsPaused("profile_2") {
		t.Error("profile_2 should not be paused")
	}

	if !r.ResumeProfile("profile_1") {
		t.Error("ResumeProfile should return true for an existing profile")
	}
	if r.IsPaused("profile_1") {
		t.Error("profile_1 should not be paused after resume")
	}

	if r.PauseProfile("nonexistent") {
		t.Error("PauseProfile should return false for a nonexistent profile")
	}
	if r.ResumeProfile("nonexistent") {
		t.Error("ResumeProfile should return false for a nonexistent profile")
	}

	r.PauseProfile("profile_1")
	r.RemoveProfile("profile_1")
	if r.IsPaused("profile_1") {
		t.Error("paused state should be cleaned up after removal")
	}
}

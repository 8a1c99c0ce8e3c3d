package profilestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/revamp-proxy/revampd/internal/filterengine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tempDir := t.TempDir()
	s := New(tempDir)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreatesDatabaseFile(t *testing.T) {
	tempDir := t.TempDir()
	s := New(tempDir)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(tempDir, "profiles.db")); os.IsNotExist(err) {
		t.Errorf("expected profiles.db to be created")
	}
}

func TestStore_GetProfile_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProfile(context.Background(), "example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpsertAndGetProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := filterengine.Rule{
		Type:    filterengine.RuleDomain,
		Pattern: "ads.example.com",
		Enabled: true,
		Action:  filterengine.ActionBlock,
	}
	if err := s.UpsertRule(ctx, "example.com", rule); err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}

	profile, err := s.GetProfile(ctx, "example.com")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if len(profile.Rules) != 1 || profile.Rules[0].Pattern != "ads.example.com" {
		t.Errorf("expected one stored rule, got %+v", profile.Rules)
	}
}

func TestStore_UpsertRuleReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := filterengine.Rule{Type: filterengine.RuleDomain, Pattern: "x.com", Enabled: true, Action: filterengine.ActionBlock}
	if err := s.UpsertRule(ctx, "x.com", rule); err != nil {
		t.Fatalf("first UpsertRule() error = %v", err)
	}
	rule.Enabled = false
	if err := s.UpsertRule(ctx, "x.com", rule); err != nil {
		t.Fatalf("second UpsertRule() error = %v", err)
	}

	profile, err := s.GetProfile(ctx, "x.com")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if len(profile.Rules) != 1 {
		t.Fatalf("expected upsert to replace rather than duplicate, got %d rules", len(profile.Rules))
	}
	if profile.Rules[0].Enabled {
		t.Errorf("expected the replaced rule to carry the updated Enabled value")
	}
}

func TestStore_DeleteProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := filterengine.Rule{Type: filterengine.RuleDomain, Pattern: "x.com", Enabled: true, Action: filterengine.ActionBlock}
	if err := s.UpsertRule(ctx, "x.com", rule); err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}
	if err := s.DeleteProfile(ctx, "x.com"); err != nil {
		t.Fatalf("DeleteProfile() error = %v", err)
	}
	if _, err := s.GetProfile(ctx, "x.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStore_ListHostnames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertRule(ctx, "a.com", filterengine.Rule{Type: filterengine.RuleDomain, Pattern: "p", Action: filterengine.ActionBlock, Enabled: true})
	s.UpsertRule(ctx, "b.com", filterengine.Rule{Type: filterengine.RuleDomain, Pattern: "p", Action: filterengine.ActionBlock, Enabled: true})

	hostnames, err := s.ListHostnames(ctx)
	if err != nil {
		t.Fatalf("ListHostnames() error = %v", err)
	}
	if len(hostnames) != 2 {
		t.Errorf("expected 2 hostnames, got %d", len(hostnames))
	}
}

func TestStore_SurvivesRestart(t *testing.T) {
	tempDir := t.TempDir()
	ctx := context.Background()

	s1 := New(tempDir)
	if err := s1.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	rule := filterengine.Rule{Type: filterengine.RuleDomain, Pattern: "x.com", Enabled: true, Action: filterengine.ActionBlock}
	if err := s1.UpsertRule(ctx, "x.com", rule); err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}
	s1.Close()

	s2 := New(tempDir)
	if err := s2.Init(ctx); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	defer s2.Close()

	profile, err := s2.GetProfile(ctx, "x.com")
	if err != nil {
		t.Fatalf("GetProfile() after restart error = %v", err)
	}
	if len(profile.Rules) != 1 {
		t.Errorf("expected stored rule to survive restart, got %+v", profile.Rules)
	}
}

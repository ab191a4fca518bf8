package config

import (
	"testing"
	"time"
)

func baseConfig() *Config {
	cfg := defaults()
	cfg.Roles = map[string]RoleDefinition{
		"builder": {Archetype: "build it", Model: "m1"},
		"critic":  {Archetype: "review it"},
	}
	return &cfg
}

func TestDiff_NoChanges(t *testing.T) {
	d := Diff(baseConfig(), baseConfig())
	if d.HasChanges() {
		t.Errorf("expected no changes, got %+v", d)
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_RoleAdded(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Roles["qa"] = RoleDefinition{Archetype: "test it"}

	d := Diff(old, new)
	if !d.HasChanges() {
		t.Fatal("expected changes")
	}
	if len(d.RolesAdded) != 1 || d.RolesAdded[0] != "qa" {
		t.Errorf("expected [qa] added, got %v", d.RolesAdded)
	}
}

func TestDiff_RoleRemoved(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	delete(new.Roles, "critic")

	d := Diff(old, new)
	if len(d.RolesRemoved) != 1 || d.RolesRemoved[0] != "critic" {
		t.Errorf("expected [critic] removed, got %v", d.RolesRemoved)
	}
}

func TestDiff_RoleChanged(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Roles["builder"] = RoleDefinition{Archetype: "build it", Model: "m2", AllowedTools: []string{"Read"}}

	d := Diff(old, new)
	if len(d.RolesChanged) != 1 || d.RolesChanged[0] != "builder" {
		t.Errorf("expected [builder] changed, got %v", d.RolesChanged)
	}
}

func TestDiff_RunChanged(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Run.ExchangeTimeout = time.Minute

	d := Diff(old, new)
	if !d.RunChanged || !d.HasChanges() {
		t.Errorf("expected run change, got %+v", d)
	}
}

func TestDiff_PipelineChanged(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Pipeline.Edges = []PipelineEdge{{From: "pm", To: "swe"}}

	d := Diff(old, new)
	if !d.PipelineChanged {
		t.Error("expected pipeline change")
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Web.Port = 9090
	new.Store.Path = "/tmp/other.db"

	d := Diff(old, new)
	if d.HasChanges() {
		t.Error("non-reloadable changes should not count as reloadable")
	}
	if len(d.NonReloadable) != 2 {
		t.Errorf("expected 2 non-reloadable fields, got %v", d.NonReloadable)
	}
}

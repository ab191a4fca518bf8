package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	RolesAdded   []string
	RolesRemoved []string
	RolesChanged []string

	RunChanged      bool
	PipelineChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.RolesAdded) > 0 ||
		len(d.RolesRemoved) > 0 ||
		len(d.RolesChanged) > 0 ||
		d.RunChanged ||
		d.PipelineChanged
}

// Diff compares two configs and returns what changed. Reloadable changes
// apply to runs started afterwards.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Roles {
		if _, ok := old.Roles[name]; !ok {
			d.RolesAdded = append(d.RolesAdded, name)
		}
	}
	for name := range old.Roles {
		if _, ok := new.Roles[name]; !ok {
			d.RolesRemoved = append(d.RolesRemoved, name)
		}
	}
	for name, newDef := range new.Roles {
		if oldDef, ok := old.Roles[name]; ok && !reflect.DeepEqual(oldDef, newDef) {
			d.RolesChanged = append(d.RolesChanged, name)
		}
	}
	sort.Strings(d.RolesAdded)
	sort.Strings(d.RolesRemoved)
	sort.Strings(d.RolesChanged)

	d.RunChanged = old.Run != new.Run
	d.PipelineChanged = !reflect.DeepEqual(old.Pipeline, new.Pipeline)

	if !reflect.DeepEqual(old.Invoker, new.Invoker) {
		d.NonReloadable = append(d.NonReloadable, "invoker")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Web != new.Web {
		d.NonReloadable = append(d.NonReloadable, "web")
	}
	if old.Telegram != new.Telegram {
		d.NonReloadable = append(d.NonReloadable, "telegram")
	}
	if old.Log != new.Log {
		d.NonReloadable = append(d.NonReloadable, "log")
	}

	return d
}

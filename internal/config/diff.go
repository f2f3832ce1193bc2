package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	SwarmChanged bool
	NewSwarm     SwarmConfig

	DefaultsChanged bool
	NewDefaults     AgentDefaults

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.SwarmChanged || d.DefaultsChanged || d.SchedulerChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if !reflect.DeepEqual(old.Swarm, new.Swarm) {
		d.SwarmChanged = true
		d.NewSwarm = new.Swarm
	}

	if !reflect.DeepEqual(old.Defaults, new.Defaults) {
		d.DefaultsChanged = true
		d.NewDefaults = new.Defaults
	}

	if !reflect.DeepEqual(old.Scheduler, new.Scheduler) {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if !reflect.DeepEqual(old.Runtime, new.Runtime) {
		d.NonReloadable = append(d.NonReloadable, "runtime")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}

	return d
}

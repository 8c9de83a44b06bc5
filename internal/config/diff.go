package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	MarsChanged bool
	NewMars     MarsConfig

	ProviderChanged bool
	NewProvider     ProviderConfig

	LogLevelChanged bool
	NewLogLevel     string

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.MarsChanged || d.ProviderChanged || d.LogLevelChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if !reflect.DeepEqual(old.Mars, new.Mars) {
		d.MarsChanged = true
		d.NewMars = new.Mars
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.ProviderChanged = true
		d.NewProvider = new.Provider
	}
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if old.Log.File != new.Log.File {
		d.NonReloadable = append(d.NonReloadable, "log.file")
	}
	if old.Store != new.Store {
		d.NonReloadable = append(d.NonReloadable, "store")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Web != new.Web {
		d.NonReloadable = append(d.NonReloadable, "web")
	}

	return d
}

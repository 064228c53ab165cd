package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked: the log level, the bot identity,
// and the bridge tuning. Everything else (listen address, upstream backend,
// call log DSN) requires a restart and is deliberately ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BotChanged is true when any persona, identity or greeting field
	// differs. The rendered profile is swapped for new calls only.
	BotChanged bool

	// BridgeChanged is true when any bridge tuning field differs. New
	// settings apply to calls admitted after the reload.
	BridgeChanged bool
}

// Empty reports whether no hot-reloadable field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.BotChanged && !d.BridgeChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Bot != new.Bot {
		d.BotChanged = true
	}

	if old.Bridge != new.Bridge {
		d.BridgeChanged = true
	}

	return d
}

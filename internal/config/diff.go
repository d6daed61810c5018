package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GainChanged is set when the gain of a gain worklet changed. It is
	// applied to a running session through the worklet's port.
	GainChanged bool
	NewGain     float64

	// RestartRequired is set when a field that only takes effect on the next
	// session start changed (capture, permission, worklet shape, destination).
	RestartRequired bool
	RestartFields   []string

	// ListenAddrChanged is set when server.listen_addr changed; it needs a
	// process restart.
	ListenAddrChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.ListenAddrChanged = true
	}

	if new.Worklet.Kind == "gain" && old.Worklet.GainValue() != new.Worklet.GainValue() {
		d.GainChanged = true
		d.NewGain = new.Worklet.GainValue()
	}

	if old.Capture != new.Capture {
		d.RestartFields = append(d.RestartFields, "capture")
	}
	if old.Permission != new.Permission {
		d.RestartFields = append(d.RestartFields, "permission")
	}
	if old.Worklet.Kind != new.Worklet.Kind || old.Worklet.Channels != new.Worklet.Channels ||
		old.Worklet.Context != new.Worklet.Context {
		d.RestartFields = append(d.RestartFields, "worklet")
	}
	if old.Destination != new.Destination {
		d.RestartFields = append(d.RestartFields, "destination")
	}
	d.RestartRequired = len(d.RestartFields) > 0

	return d
}

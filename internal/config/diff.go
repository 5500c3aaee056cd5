package config

// DiffResult describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (providers, storage, capture) requires a restart.
type DiffResult struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AnalysisChanged is true if any analysis cadence or window setting changed.
	AnalysisChanged bool
	NewAnalysis     AnalysisConfig

	// GateChanged is true if the VAD threshold or grace window changed.
	GateChanged     bool
	NewVADThreshold float64
	NewVADGrace     int
}

// Any reports whether d records at least one change.
func (d DiffResult) Any() bool {
	return d.LogLevelChanged || d.AnalysisChanged || d.GateChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) DiffResult {
	d := DiffResult{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Analysis != new.Analysis {
		d.AnalysisChanged = true
		d.NewAnalysis = new.Analysis
	}

	if old.Session.VADThreshold != new.Session.VADThreshold || old.Session.VADGrace != new.Session.VADGrace {
		d.GateChanged = true
		d.NewVADThreshold = new.Session.VADThreshold
		d.NewVADGrace = new.Session.VADGrace
	}

	return d
}

package config

// Config is the fully merged configuration record.
//
// Files may be JSON or YAML (by extension). Decoding is strict: unknown
// fields are rejected so typos surface at load time instead of silently
// disabling a unit.
type Config struct {
	// LogLevel accepts zerolog names ("info") and .NET names ("Information").
	// Default: "Information".
	LogLevel string        `json:"log_level,omitempty"`
	Logging  LoggingConfig `json:"logging"`

	// Timezone is an IANA zone used to evaluate unit windows.
	// Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`

	// PollInterval is slept after a cycle with no eligible unit.
	// Go duration string or integer milliseconds; default "5s".
	PollInterval string `json:"poll_interval,omitempty"`

	Units []UnitConfig `json:"units"`

	History *HistoryConfig `json:"history,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

// UnitConfig describes one dispatchable unit.
//
//	- name: ServiceA
//	  active: true
//	  delay_ms: 1000
//	  window: { start: "08:00", end: "18:00" }
type UnitConfig struct {
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	DelayMS int64  `json:"delay_ms"`
	// TimeoutMS bounds a single execution; 0 disables the bound.
	TimeoutMS int64         `json:"timeout_ms,omitempty"`
	Window    *WindowConfig `json:"window,omitempty"`
}

// WindowConfig is an inclusive time-of-day interval ("HH:MM" or "HH:MM:SS").
type WindowConfig struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type LoggingConfig struct {
	// Console enables the human-readable stdout sink. When no sink is enabled
	// the console sink is used anyway.
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HistoryConfig controls the optional unit run history.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./data/history.db", "retention": "168h" }
type HistoryConfig struct {
	Driver string `json:"driver"` // none | file | sqlite
	Path   string `json:"path"`
	// Retention drops records older than this (Go duration). Default "168h"; "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec ("@hourly", "0 3 * * *"). Default "@hourly".
	PruneSchedule string `json:"prune_schedule,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the optional Prometheus endpoint.
//
// Prefer binding to localhost (default "127.0.0.1:9464").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"` // default "/metrics"
	// Pprof mounts /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"svcdispatch/internal/history"
	"svcdispatch/internal/schedule"
	"svcdispatch/internal/unit"
	logx "svcdispatch/pkg/logx"
)

const (
	DefaultLogLevel      = "Information"
	DefaultPollInterval  = 5 * time.Second
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultPruneSchedule = "@hourly"
	DefaultMetricsAddr   = "127.0.0.1:9464"
	DefaultMetricsPath   = "/metrics"
)

// Validate checks the whole record. It does not consult the unit registry;
// unknown names are a dispatch-time warning, not a load error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if !logx.ValidLevel(c.LogLevel) {
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.PollIntervalOrDefault(); err != nil {
		return err
	}
	if _, err := c.Descriptors(); err != nil {
		return err
	}
	if h := c.History; h != nil {
		switch strings.ToLower(strings.TrimSpace(h.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(h.Path) == "" {
				return fmt.Errorf("history.path is required when history.driver=%s", h.Driver)
			}
		default:
			return fmt.Errorf("history.driver: unknown driver %q (use none, file or sqlite)", h.Driver)
		}
		if _, err := ParseDurationField("history.retention", h.Retention); err != nil {
			return err
		}
		if _, err := ParseDurationField("history.busy_timeout", h.BusyTimeout); err != nil {
			return err
		}
		if spec := strings.TrimSpace(h.PruneSchedule); spec != "" {
			if _, err := history.ParseSchedule(spec); err != nil {
				return fmt.Errorf("history.prune_schedule: invalid cron %q: %w", spec, err)
			}
		}
	}
	return nil
}

// Descriptors builds the immutable unit descriptor set, in configuration order.
func (c *Config) Descriptors() ([]unit.Descriptor, error) {
	out := make([]unit.Descriptor, 0, len(c.Units))
	seen := make(map[string]int, len(c.Units))
	for i, u := range c.Units {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return nil, fmt.Errorf("units[%d]: name required", i)
		}
		if name != u.Name {
			return nil, fmt.Errorf("units[%d]: name %q has surrounding whitespace", i, u.Name)
		}
		if j, dup := seen[name]; dup {
			return nil, fmt.Errorf("units[%d]: duplicate name %q (first at units[%d])", i, name, j)
		}
		seen[name] = i
		delay, err := millisField(fmt.Sprintf("units[%d] (%s): delay_ms", i, name), u.DelayMS)
		if err != nil {
			return nil, err
		}
		timeout, err := millisField(fmt.Sprintf("units[%d] (%s): timeout_ms", i, name), u.TimeoutMS)
		if err != nil {
			return nil, err
		}
		d := unit.Descriptor{
			Name:    name,
			Active:  u.Active,
			Delay:   delay,
			Timeout: timeout,
		}
		if u.Window != nil {
			w, err := schedule.ParseWindow(u.Window.Start, u.Window.End)
			if err != nil {
				return nil, fmt.Errorf("units[%d] (%s): %w", i, name, err)
			}
			d.Window = &w
		}
		out = append(out, d)
	}
	return out, nil
}

// Location returns the zone windows are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func (c *Config) PollIntervalOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("poll_interval", c.PollInterval, DefaultPollInterval)
}

// LogLevelOrDefault returns the configured level name, or "Information".
func (c *Config) LogLevelOrDefault() string {
	if s := strings.TrimSpace(c.LogLevel); s != "" {
		return s
	}
	return DefaultLogLevel
}

// RetentionOrDefault returns history retention; 0 means keep everything.
func (h *HistoryConfig) RetentionOrDefault() time.Duration {
	if h == nil || strings.TrimSpace(h.Retention) == "" {
		return DefaultRetention
	}
	d, err := ParseDurationField("history.retention", h.Retention)
	if err != nil {
		return DefaultRetention
	}
	return d
}

func (h *HistoryConfig) PruneScheduleOrDefault() string {
	if h == nil || strings.TrimSpace(h.PruneSchedule) == "" {
		return DefaultPruneSchedule
	}
	return strings.TrimSpace(h.PruneSchedule)
}

// StoreConfig maps the section onto the history store settings.
// A nil section disables history.
func (h *HistoryConfig) StoreConfig() history.Config {
	if h == nil {
		return history.Config{}
	}
	busy, _ := ParseDurationField("history.busy_timeout", h.BusyTimeout)
	return history.Config{
		Driver:      strings.ToLower(strings.TrimSpace(h.Driver)),
		Path:        strings.TrimSpace(h.Path),
		BusyTimeout: busy,
	}
}

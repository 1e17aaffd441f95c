package config

import (
	"reflect"
	"sort"
	"strings"

	logx "svcdispatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the names of units that were
// added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !strings.EqualFold(strings.TrimSpace(oldCfg.LogLevel), strings.TrimSpace(newCfg.LogLevel)) ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("log_level", newCfg.LogLevelOrDefault()),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if strings.TrimSpace(oldCfg.PollInterval) != strings.TrimSpace(newCfg.PollInterval) {
		changed = append(changed, "poll_interval")
		attrs = append(attrs, logx.String("poll_interval", strings.TrimSpace(newCfg.PollInterval)))
	}

	units := changedUnits(oldCfg.Units, newCfg.Units)
	if len(units) > 0 || !sameOrder(oldCfg.Units, newCfg.Units) {
		changed = append(changed, "units")
		attrs = append(attrs,
			logx.Int("units.total", len(newCfg.Units)),
			logx.Int("units.changed", len(units)),
		)
	}

	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		h := newCfg.History
		if h == nil {
			h = &HistoryConfig{}
		}
		attrs = append(attrs,
			logx.String("history.driver", strings.TrimSpace(h.Driver)),
			logx.String("history.retention", strings.TrimSpace(h.Retention)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		m := newCfg.Metrics
		if m == nil {
			m = &MetricsConfig{}
		}
		attrs = append(attrs,
			logx.Bool("metrics.enabled", m.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(m.Addr)),
		)
	}

	return changed, attrs, units
}

func changedUnits(oldU, newU []UnitConfig) []string {
	oldBy := make(map[string]UnitConfig, len(oldU))
	for _, u := range oldU {
		oldBy[u.Name] = u
	}
	newBy := make(map[string]UnitConfig, len(newU))
	for _, u := range newU {
		newBy[u.Name] = u
	}

	set := map[string]struct{}{}
	for name, nu := range newBy {
		ou, ok := oldBy[name]
		if !ok || !reflect.DeepEqual(ou, nu) {
			set[name] = struct{}{}
		}
	}
	for name := range oldBy {
		if _, ok := newBy[name]; !ok {
			set[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// sameOrder reports whether both lists name the same units in the same order.
// Dispatch order follows the list, so a pure reorder is still a change.
func sameOrder(a, b []UnitConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}

package app

import (
	"svcdispatch/internal/config"
	"svcdispatch/internal/unit"
	logx "svcdispatch/pkg/logx"
)

// UnitSummary is one configured unit as shown at startup and by `check`.
type UnitSummary struct {
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	Window     string `json:"window,omitempty"`
	DelayMS    int64  `json:"delay_ms"`
	TimeoutMS  int64  `json:"timeout_ms,omitempty"`
	Registered bool   `json:"registered"`
}

// Summary describes a validated configuration against a registry.
type Summary struct {
	Environment string        `json:"environment"`
	Total       int           `json:"total"`
	Active      int           `json:"active"`
	Inactive    int           `json:"inactive"`
	Units       []UnitSummary `json:"units"`
	// Missing lists configured names with no registered behavior.
	Missing []string `json:"missing,omitempty"`
}

// Summarize builds the summary for ds in configuration order. reg may be nil.
func Summarize(env string, ds []unit.Descriptor, reg *unit.Registry) Summary {
	s := Summary{Environment: env, Total: len(ds), Units: make([]UnitSummary, 0, len(ds))}
	missing := map[string]bool{}
	if reg != nil {
		s.Missing = reg.Missing(ds)
		for _, n := range s.Missing {
			missing[n] = true
		}
	}
	for _, d := range ds {
		if d.Active {
			s.Active++
		} else {
			s.Inactive++
		}
		us := UnitSummary{
			Name:       d.Name,
			Active:     d.Active,
			DelayMS:    d.Delay.Milliseconds(),
			TimeoutMS:  d.Timeout.Milliseconds(),
			Registered: reg != nil && !missing[d.Name],
		}
		if d.Window != nil {
			us.Window = d.Window.String()
		}
		s.Units = append(s.Units, us)
	}
	return s
}

func environmentName(env string) string {
	if env == "" {
		return "default"
	}
	return env
}

// logStartupSummary writes the startup banner: environment, counts and one
// line per unit.
func logStartupSummary(log logx.Logger, s Summary, cfg *config.Config) {
	log.Info("svcdispatch starting", logx.String("environment", environmentName(s.Environment)))
	log.Info("units configured",
		logx.Int("total", s.Total),
		logx.Int("active", s.Active),
		logx.Int("inactive", s.Inactive),
	)
	for _, u := range s.Units {
		status := "inactive"
		if u.Active {
			status = "active"
		}
		fields := []logx.Field{logx.String("unit", u.Name), logx.String("status", status)}
		if u.Window != "" {
			fields = append(fields, logx.String("window", u.Window))
		}
		fields = append(fields, logx.Int64("delay_ms", u.DelayMS))
		if u.TimeoutMS > 0 {
			fields = append(fields, logx.Int64("timeout_ms", u.TimeoutMS))
		}
		log.Info("unit", fields...)
	}
	for _, name := range s.Missing {
		log.Warn("configured unit has no registered behavior", logx.String("unit", name))
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "Local"
	}
	log.Info("monitoring execution windows", logx.String("timezone", tz))
}

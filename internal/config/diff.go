package config

import (
	"reflect"
	"sort"
	"strings"

	logx "campuscast/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never template bodies or custom data),
// and (3) the ids of schedules that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", d.Workers),
			logx.Int("dispatch.rate_per_sec", d.RatePerSec),
			logx.String("dispatch.send_timeout", strings.TrimSpace(d.SendTimeout)),
			logx.Int("dispatch.retry_max", d.RetryMax),
			logx.String("dispatch.transport", strings.TrimSpace(d.Transport)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Access, newCfg.Access) {
		changed = append(changed, "access")
		attrs = append(attrs,
			logx.Int("access.role_count", len(newCfg.Access.Roles)),
			logx.String("access.dispatch_min_role", string(newCfg.Access.MinRole())),
			logx.Bool("access.bypass_set", newCfg.Access.BypassPrincipal != nil),
		)
	}

	if oldCfg.System != newCfg.System {
		changed = append(changed, "system")
		attrs = append(attrs, logx.String("system.platform_name", newCfg.System.PlatformName))
	}

	if !reflect.DeepEqual(oldCfg.Fields, newCfg.Fields) {
		changed = append(changed, "fields")
		attrs = append(attrs, logx.Strings("fields.custom", newCfg.Fields.Custom))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		changed = append(changed, "tracing")
		enabled, exporter := false, ""
		if newCfg.Tracing != nil {
			enabled, exporter = newCfg.Tracing.Enabled, newCfg.Tracing.Exporter
		}
		attrs = append(attrs, logx.Bool("tracing.enabled", enabled), logx.String("tracing.exporter", exporter))
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

func diffSchedules(oldS, newS []ScheduleConfig) []string {
	byID := func(in []ScheduleConfig) map[string]ScheduleConfig {
		m := make(map[string]ScheduleConfig, len(in))
		for _, s := range in {
			m[strings.TrimSpace(s.ID)] = s
		}
		return m
	}
	om, nm := byID(oldS), byID(newS)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := om[id]
		n, inNew := nm[id]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

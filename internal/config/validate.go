package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"campuscast/internal/access"
	"campuscast/internal/audience"
	"campuscast/internal/fields"
	"campuscast/internal/transport"
	logx "campuscast/pkg/logx"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Hierarchy returns the configured role order, or the default one.
func (a AccessConfig) Hierarchy() (access.Hierarchy, error) {
	if len(a.Roles) == 0 {
		return access.DefaultHierarchy(), nil
	}
	roles := make([]access.Role, len(a.Roles))
	for i, r := range a.Roles {
		roles[i] = access.Role(r)
	}
	return access.NewHierarchy(roles...)
}

// MinRole returns dispatch_min_role or "instructor".
func (a AccessConfig) MinRole() access.Role {
	if r := strings.TrimSpace(a.DispatchMinRole); r != "" {
		return access.Role(r)
	}
	return access.RoleInstructor
}

// Validate checks everything that can be checked without opening storage.
// All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if _, err := logx.ParseLevel(cfg.Logging.Level); err != nil {
		check(fmt.Errorf("logging.level: %w", err))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none", "memory", "sqlite", "sqlite3":
	case "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(errors.New("storage.path: required for file driver"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dp := cfg.Dispatch
	if dp.Workers < 0 {
		check(errors.New("dispatch.workers: must be >= 0"))
	}
	if dp.RatePerSec < 0 {
		check(errors.New("dispatch.rate_per_sec: must be >= 0"))
	}
	if dp.RetryMax < 0 {
		check(errors.New("dispatch.retry_max: must be >= 0"))
	}
	dur("dispatch.send_timeout", dp.SendTimeout)
	dur("dispatch.retry_base", dp.RetryBase)
	dur("dispatch.retry_max_delay", dp.RetryMaxDelay)
	dur("dispatch.status_ttl", dp.StatusTTL)
	if _, err := transport.ParseKind(dp.Transport); err != nil {
		check(fmt.Errorf("dispatch.transport: %w", err))
	}

	h, err := cfg.Access.Hierarchy()
	rolesOK := err == nil
	if !rolesOK {
		check(fmt.Errorf("access.roles: %w", err))
	} else {
		if !h.Known(cfg.Access.MinRole()) {
			check(fmt.Errorf("access.dispatch_min_role: unknown role %q", cfg.Access.MinRole()))
		}
		if bp := cfg.Access.BypassPrincipal; bp != nil {
			if strings.TrimSpace(bp.ID) == "" {
				check(errors.New("access.bypass_principal.id: required"))
			}
			if !h.Known(access.Role(bp.Role)) {
				check(fmt.Errorf("access.bypass_principal.role: unknown role %q", bp.Role))
			}
		}
	}

	seenField := map[string]struct{}{}
	for i, name := range cfg.Fields.Custom {
		if !fields.IsName(name) {
			check(fmt.Errorf("fields.custom[%d]: invalid token name %q", i, name))
			continue
		}
		if _, dup := seenField[name]; dup {
			check(fmt.Errorf("fields.custom[%d]: duplicate token %q", i, name))
		}
		seenField[name] = struct{}{}
	}

	dur("scheduler.run_timeout", cfg.Scheduler.RunTimeout)
	seenSched := map[string]struct{}{}
	for i, sc := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		id := strings.TrimSpace(sc.ID)
		if id == "" {
			check(fmt.Errorf("%s.id: required", path))
		} else if _, dup := seenSched[id]; dup {
			check(fmt.Errorf("%s.id: duplicate %q", path, id))
		}
		seenSched[id] = struct{}{}
		if strings.TrimSpace(sc.Schedule) == "" {
			check(fmt.Errorf("%s.schedule: required", path))
		}
		if _, err := audience.Parse(sc.Audience); err != nil {
			check(fmt.Errorf("%s.audience: %w", path, err))
		}
		if strings.TrimSpace(sc.Template) == "" {
			check(fmt.Errorf("%s.template: required", path))
		}
		if _, err := transport.ParseKind(sc.Transport); err != nil {
			check(fmt.Errorf("%s.transport: %w", path, err))
		}
		if rolesOK && sc.MinRole != "" && !h.Known(access.Role(sc.MinRole)) {
			check(fmt.Errorf("%s.min_role: unknown role %q", path, sc.MinRole))
		}
		dur(path+".timeout", sc.Timeout)
	}

	if tc := cfg.Tracing; tc != nil && tc.Enabled {
		switch tc.Exporter {
		case "", "none", "stdout", "otlp":
		case "file":
			if strings.TrimSpace(tc.FilePath) == "" {
				check(errors.New("tracing.file_path: required for file exporter"))
			}
		default:
			check(fmt.Errorf("tracing.exporter: unsupported %q", tc.Exporter))
		}
		if tc.SampleRate < 0 || tc.SampleRate > 1 {
			check(errors.New("tracing.sample_rate: must be within 0..1"))
		}
	}

	return errors.Join(errs...)
}

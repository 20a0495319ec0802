package app

import (
	"fmt"
	"strings"
	"time"

	"campuscast/internal/access"
	"campuscast/internal/audience"
	"campuscast/internal/config"
	"campuscast/internal/dispatch"
	"campuscast/internal/fields"
	"campuscast/internal/schedule"
	"campuscast/internal/storage"
	"campuscast/internal/transport"
	logx "campuscast/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory", "file":
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationField("dispatch.retry_base", dc.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	statusTTL, err := config.ParseDurationField("dispatch.status_ttl", dc.StatusTTL)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       dc.Workers,
		RatePerSec:    dc.RatePerSec,
		SendTimeout:   sendTimeout,
		RetryMax:      dc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		StatusTTL:     statusTTL,
		Platform: fields.System{
			PlatformName: cfg.System.PlatformName,
			SupportEmail: cfg.System.SupportEmail,
		},
	}, nil
}

// accessPolicy is the hot-reloadable part of the access section.
type accessPolicy struct {
	hierarchy access.Hierarchy
	minRole   access.Role
	bypass    *access.Principal
}

func (p accessPolicy) requirement(minRole string) access.Requirement {
	if r := strings.TrimSpace(minRole); r != "" {
		return p.hierarchy.AtLeast(access.Role(r))
	}
	return p.hierarchy.AtLeast(p.minRole)
}

func mapAccess(cfg *config.Config) (accessPolicy, error) {
	h, err := cfg.Access.Hierarchy()
	if err != nil {
		return accessPolicy{}, fmt.Errorf("access.roles: %w", err)
	}
	p := accessPolicy{hierarchy: h, minRole: cfg.Access.MinRole()}
	if !h.Known(p.minRole) {
		return accessPolicy{}, fmt.Errorf("access.dispatch_min_role: unknown role %q", p.minRole)
	}
	if bp := cfg.Access.BypassPrincipal; bp != nil {
		// Configured, so always active; the gate still checks its role.
		p.bypass = &access.Principal{ID: strings.TrimSpace(bp.ID), Role: access.Role(bp.Role), Active: true}
	}
	return p, nil
}

func mapScheduleConfig(cfg *config.Config, pol accessPolicy) (schedule.Config, error) {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return schedule.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	runTimeout, err := config.ParseDurationField("scheduler.run_timeout", cfg.Scheduler.RunTimeout)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{Timezone: cfg.Scheduler.Timezone, RunTimeout: runTimeout, Bypass: pol.bypass}, nil
}

func mapSchedules(cfg *config.Config, pol accessPolicy) ([]schedule.Definition, error) {
	defKind, err := transport.ParseKind(cfg.Dispatch.Transport)
	if err != nil {
		return nil, fmt.Errorf("dispatch.transport: %w", err)
	}
	out := make([]schedule.Definition, 0, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		spec, err := audience.Parse(sc.Audience)
		if err != nil {
			return nil, fmt.Errorf("%s.audience: %w", path, err)
		}
		kind := defKind
		if strings.TrimSpace(sc.Transport) != "" {
			if kind, err = transport.ParseKind(sc.Transport); err != nil {
				return nil, fmt.Errorf("%s.transport: %w", path, err)
			}
		}
		timeout, err := config.ParseDurationField(path+".timeout", sc.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule.Definition{
			ID:          sc.ID,
			Schedule:    sc.Schedule,
			PrincipalID: sc.Principal,
			Requirement: pol.requirement(sc.MinRole),
			Audience:    spec,
			Template:    sc.Template,
			CustomData:  sc.CustomData,
			CourseID:    sc.Course,
			LessonID:    sc.Lesson,
			Transport:   kind,
			Timeout:     timeout,
		})
	}
	if err := schedule.ValidateDefinitions(out); err != nil {
		return nil, err
	}
	return out, nil
}

// validateRuntime checks what a reload would need to apply, beyond config.Validate.
func validateRuntime(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	pol, err := mapAccess(cfg)
	if err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg, pol); err != nil {
		return err
	}
	_, err = mapSchedules(cfg, pol)
	return err
}

package config

import "campuscast/internal/observability/tracing"

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Access   AccessConfig   `json:"access"`
	System   SystemConfig   `json:"system"`
	Fields   FieldsConfig   `json:"fields"`

	// Scheduler controls trigger behavior; Schedules lists what to trigger.
	Scheduler SchedulerConfig  `json:"scheduler"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	// Tracing is optional; omitted means disabled.
	Tracing *tracing.Config `json:"tracing,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the directory backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./campuscast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatchConfig controls the bulk send pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_per_sec: 10
//   - send_timeout: "10s"
//   - retry_max: 0
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - status_ttl: "24h"
//   - transport: "log"
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	StatusTTL     string `json:"status_ttl,omitempty"`
	// Transport is the default channel: log, email or sms.
	Transport string `json:"transport,omitempty"`
}

// AccessConfig controls who may start a bulk send.
type AccessConfig struct {
	// Roles ranks roles from least to most privileged. Empty means
	// student, instructor, admin.
	Roles []string `json:"roles,omitempty"`
	// DispatchMinRole is the lowest role allowed to dispatch. Default "instructor".
	DispatchMinRole string `json:"dispatch_min_role,omitempty"`
	// BypassPrincipal is an explicit service identity, typically for scheduled
	// sends. It is still checked by the gate like any caller.
	BypassPrincipal *PrincipalConfig `json:"bypass_principal,omitempty"`
}

type PrincipalConfig struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type SystemConfig struct {
	PlatformName string `json:"platform_name"`
	SupportEmail string `json:"support_email"`
}

// FieldsConfig declares custom tokens resolved from per-request custom data.
type FieldsConfig struct {
	Custom []string `json:"custom,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
	// RunTimeout bounds one scheduled dispatch. Default "30m".
	RunTimeout string `json:"run_timeout,omitempty"`
}

// ScheduleConfig is one scheduled bulk send.
//
// Example (YAML):
//
//	schedules:
//	  - id: weekly-reminder
//	    schedule: "0 9 * * MON"
//	    principal: u-admin
//	    audience: course:c-101
//	    template: "Hi {firstName}, {courseName} continues this week."
type ScheduleConfig struct {
	ID        string `json:"id"`
	Schedule  string `json:"schedule"`
	Principal string `json:"principal"`
	Audience  string `json:"audience"`
	Template  string `json:"template"`
	// MinRole overrides access.dispatch_min_role for this schedule.
	MinRole    string            `json:"min_role,omitempty"`
	CustomData map[string]string `json:"custom_data,omitempty"`
	Course     string            `json:"course,omitempty"`
	Lesson     string            `json:"lesson,omitempty"`
	Transport  string            `json:"transport,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "memory"},
  "dispatch": {"workers": 8, "rate_per_sec": 20, "send_timeout": "5s", "transport": "email"},
  "access": {"dispatch_min_role": "admin", "bypass_principal": {"id": "svc", "role": "admin"}},
  "system": {"platform_name": "Campus", "support_email": "help@campus.test"},
  "fields": {"custom": ["promoCode"]},
  "scheduler": {"enabled": true, "timezone": "UTC"},
  "schedules": [
    {"id": "weekly", "schedule": "0 9 * * MON", "principal": "svc", "audience": "role:student", "template": "Hi {firstName}"}
  ]
}`

const sampleYAML = `
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
storage:
  driver: memory
dispatch:
  workers: 8
  rate_per_sec: 20
  send_timeout: 5s
  transport: email
access:
  dispatch_min_role: admin
  bypass_principal: {id: svc, role: admin}
system:
  platform_name: Campus
  support_email: help@campus.test
fields:
  custom: [promoCode]
scheduler:
  enabled: true
  timezone: UTC
schedules:
  - id: weekly
    schedule: "0 9 * * MON"
    principal: svc
    audience: role:student
    template: "Hi {firstName}"
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()

	j, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if hashConfig(j) != hashConfig(y) {
		t.Fatalf("json and yaml decode differently:\n%+v\n%+v", j, y)
	}
	if j.Dispatch.Workers != 8 || j.Access.MinRole() != "admin" || len(j.Schedules) != 1 {
		t.Fatalf("unexpected decode: %+v", j)
	}

	// No extension: sniffed.
	if _, err := Decode("campuscast.conf", []byte(sampleYAML)); err != nil {
		t.Fatalf("sniffed yaml: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown key":   `{"dispatch": {"wokers": 3}}`,
		"trailing data": `{} {}`,
		"unknown yaml":  "storage:\n  drvier: memory\n",
	}
	for name, body := range cases {
		file := "c.json"
		if strings.Contains(name, "yaml") {
			file = "c.yaml"
		}
		if _, err := Decode(file, []byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"log level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"file driver needs path", Config{Storage: StorageConfig{Driver: "file"}}, "storage.path"},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"bad duration", Config{Dispatch: DispatchConfig{SendTimeout: "soon"}}, "dispatch.send_timeout"},
		{"negative workers", Config{Dispatch: DispatchConfig{Workers: -1}}, "dispatch.workers"},
		{"bad transport", Config{Dispatch: DispatchConfig{Transport: "pigeon"}}, "dispatch.transport"},
		{"unknown min role", Config{Access: AccessConfig{DispatchMinRole: "dean"}}, "dispatch_min_role"},
		{"dup roles", Config{Access: AccessConfig{Roles: []string{"a", "a"}}}, "access.roles"},
		{"bypass role", Config{Access: AccessConfig{BypassPrincipal: &PrincipalConfig{ID: "svc", Role: "root"}}}, "bypass_principal.role"},
		{"custom field name", Config{Fields: FieldsConfig{Custom: []string{"promo code"}}}, "fields.custom[0]"},
		{"duplicate custom field", Config{Fields: FieldsConfig{Custom: []string{"a", "a"}}}, "fields.custom[1]"},
		{"schedule audience", Config{Schedules: []ScheduleConfig{{ID: "x", Schedule: "1h", Audience: "everyone", Template: "t"}}}, "schedules[0].audience"},
		{"schedule duplicate", Config{Schedules: []ScheduleConfig{
			{ID: "x", Schedule: "1h", Audience: "all", Template: "t"},
			{ID: "x", Schedule: "1h", Audience: "all", Template: "t"},
		}}, "schedules[1].id"},
	}
	for _, tc := range cases {
		err := Validate(&tc.cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}

	if err := Validate(&Config{}); err != nil {
		t.Fatalf("zero config should be valid: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg.Dispatch.Workers = 2
	newCfg.Schedules[0].Template = "Hello {firstName}"
	newCfg.Schedules = append(newCfg.Schedules, ScheduleConfig{ID: "extra", Schedule: "1h", Audience: "all", Template: "x"})

	changed, attrs, scheds := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "dispatch,schedules" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(scheds, ",") != "extra,weekly" {
		t.Fatalf("schedule ids = %v", scheds)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	if changed, _, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "campuscast.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Dispatch.Workers > 100 {
			return os.ErrInvalid
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	rejected := strings.Replace(sampleJSON, `"workers": 8`, `"workers": 500`, 1)
	if err := os.WriteFile(path, []byte(rejected), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("rejected config was published: %+v", cfg.Dispatch)
	case <-time.After(700 * time.Millisecond):
	}

	accepted := strings.Replace(sampleJSON, `"workers": 8`, `"workers": 3`, 1)
	if err := os.WriteFile(path, []byte(accepted), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.Workers != 3 {
			t.Fatalf("workers = %d", cfg.Dispatch.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Dispatch.Workers != 3 {
		t.Fatalf("Get not updated")
	}
}

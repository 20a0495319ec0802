package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"campuscast/internal/access"
	"campuscast/internal/audience"
	"campuscast/internal/config"
	"campuscast/internal/fields"
	"campuscast/internal/merge"
	"campuscast/internal/storage"
	"campuscast/internal/transport"
	logx "campuscast/pkg/logx"
)

func testStore() *storage.Memory {
	return storage.NewMemory(storage.Snapshot{
		Recipients: []storage.Recipient{
			{ID: "ins", DisplayName: "Ivy Instructor", Email: "ivy@campus.test", Role: access.RoleInstructor, Active: true},
			{ID: "s1", DisplayName: "Sam One", Email: "sam@campus.test", Role: access.RoleStudent, Active: true},
			{ID: "s2", DisplayName: "Sue Two", Role: access.RoleStudent, Active: true},
		},
		Courses: []storage.Course{{ID: "c1", Name: "Go 101"}},
		Enrollments: []storage.Enrollment{
			{RecipientID: "s1", CourseID: "c1", Status: storage.EnrollmentActive},
			{RecipientID: "s2", CourseID: "c1", Status: storage.EnrollmentActive},
		},
	})
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *transport.Memory) {
	t.Helper()
	out := transport.NewMemory()
	a, err := NewFromConfig(cfg, WithStore(testStore()), WithSender(out), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	return a, out
}

func TestFieldsAndValidate(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, &config.Config{Fields: config.FieldsConfig{Custom: []string{"promoCode"}}})

	var custom bool
	for _, f := range a.Fields() {
		if f.Name == "promoCode" && f.Category == fields.CategoryCustom {
			custom = true
		}
	}
	if !custom {
		t.Fatalf("custom field missing from %+v", a.Fields())
	}

	unknown, err := a.Validate("Hi {firstName}, use {promoCode} by {deadline}")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "deadline" {
		t.Fatalf("unknown = %v", unknown)
	}

	_, err = a.Validate("Hi {firstName")
	var me *merge.MalformedTemplateError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedTemplateError, got %v", err)
	}
}

func TestDispatchAuthorization(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t, &config.Config{
		Access: config.AccessConfig{BypassPrincipal: &config.PrincipalConfig{ID: "svc", Role: "admin"}},
	})
	ctx := context.Background()

	cases := []struct {
		principal string
		reason    access.Reason
	}{
		{"s1", access.ReasonInsufficientRole},
		{"ghost", access.ReasonUnauthenticated},
		{"", access.ReasonUnauthenticated},
	}
	for _, tc := range cases {
		_, err := a.Dispatch(ctx, DispatchRequest{PrincipalID: tc.principal, Audience: audience.All(), Template: "x"})
		var ae *access.AuthorizationError
		if !errors.As(err, &ae) || ae.Reason != tc.reason {
			t.Fatalf("principal %q: expected %s, got %v", tc.principal, tc.reason, err)
		}
	}
	if n := out.TotalAttempts(); n != 0 {
		t.Fatalf("denied dispatches sent %d messages", n)
	}

	for _, id := range []string{"ins", "svc"} {
		res, err := a.Dispatch(ctx, DispatchRequest{PrincipalID: id, Audience: audience.ByCourse("c1"), Template: "Hi {firstName}, {courseName}"})
		if err != nil || res.Sent != 2 {
			t.Fatalf("principal %q: res=%+v err=%v", id, res, err)
		}
	}
}

func TestDispatchMinRoleFromConfig(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, &config.Config{Access: config.AccessConfig{DispatchMinRole: "admin"}})
	_, err := a.Dispatch(context.Background(), DispatchRequest{PrincipalID: "ins", Audience: audience.All(), Template: "x"})
	var ae *access.AuthorizationError
	if !errors.As(err, &ae) || ae.Reason != access.ReasonInsufficientRole {
		t.Fatalf("expected insufficient_role, got %v", err)
	}
}

func TestDispatchRequestMinRole(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t, &config.Config{})
	ctx := context.Background()

	cases := []struct {
		name    string
		minRole access.Role
		reason  access.Reason
		sent    int
	}{
		{"raised above caller", access.RoleAdmin, access.ReasonInsufficientRole, 0},
		{"config default", "", access.ReasonNone, 2},
		{"lowered to caller", access.RoleInstructor, access.ReasonNone, 2},
	}
	for _, tc := range cases {
		res, err := a.Dispatch(ctx, DispatchRequest{
			PrincipalID: "ins",
			MinRole:     tc.minRole,
			Audience:    audience.ByCourse("c1"),
			Template:    "Hi {firstName}",
		})
		if tc.reason != access.ReasonNone {
			var ae *access.AuthorizationError
			if !errors.As(err, &ae) || ae.Reason != tc.reason {
				t.Fatalf("%s: expected %s, got %v", tc.name, tc.reason, err)
			}
			continue
		}
		if err != nil || res.Sent != tc.sent {
			t.Fatalf("%s: res=%+v err=%v", tc.name, res, err)
		}
	}

	before := out.TotalAttempts()
	if _, err := a.Dispatch(ctx, DispatchRequest{PrincipalID: "ins", MinRole: "dean", Audience: audience.All(), Template: "x"}); err == nil {
		t.Fatalf("unknown min role accepted")
	}
	if out.TotalAttempts() != before {
		t.Fatalf("unknown min role still sent")
	}
}

func TestDispatchEmailChannelRequiresAddress(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t, &config.Config{Dispatch: config.DispatchConfig{Transport: "email"}})
	res, err := a.Dispatch(context.Background(), DispatchRequest{PrincipalID: "ins", Audience: audience.ByRole(access.RoleStudent), Template: "Hi {firstName}"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 || res.Failures[0].RecipientID != "s2" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !errors.Is(res.Failures[0].Err, transport.ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", res.Failures[0].Err)
	}
	if got := out.Sent(); len(got) != 1 || got[0].Text != "Hi Sam" {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestApplyConfigHotReload(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	a, _ := newTestApp(t, cfg)
	if len(a.Schedules()) != 0 {
		t.Fatalf("expected no schedules")
	}

	next := &config.Config{
		Dispatch: config.DispatchConfig{Workers: 7},
		Access:   config.AccessConfig{DispatchMinRole: "admin"},
		Schedules: []config.ScheduleConfig{
			{ID: "nightly", Schedule: "@daily", Principal: "ins", Audience: "role:student", Template: "Hi {firstName}", MinRole: "instructor"},
		},
	}
	a.applyConfig(context.Background(), next)

	if got := a.coord.Config().Workers; got != 7 {
		t.Fatalf("workers = %d", got)
	}
	infos := a.Schedules()
	if len(infos) != 1 || infos[0].ID != "nightly" {
		t.Fatalf("schedules = %+v", infos)
	}

	// The schedule keeps its own min role; ad-hoc dispatch follows the new policy.
	res, err := a.TriggerSchedule(context.Background(), "nightly")
	if err != nil || res.Sent != 2 {
		t.Fatalf("trigger: res=%+v err=%v", res, err)
	}
	if _, err := a.Dispatch(context.Background(), DispatchRequest{PrincipalID: "ins", Audience: audience.All(), Template: "x"}); err == nil {
		t.Fatalf("expected denial after min role raised")
	}

	// Invalid reloads are ignored.
	bad := *next
	bad.Dispatch.Workers = 1
	bad.Schedules = []config.ScheduleConfig{{ID: "x", Schedule: "whenever", Audience: "all", Template: "t"}}
	a.applyConfig(context.Background(), &bad)
	if got := a.coord.Config().Workers; got != 7 {
		t.Fatalf("invalid reload applied: workers = %d", got)
	}
}

func TestStartWatchesConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "campuscast.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("scheduler:\n  enabled: true\n")

	a, err := New(path, WithStore(testStore()), WithSender(transport.NewMemory()), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	if !a.sched.Running() {
		t.Fatalf("scheduler should run when enabled")
	}
	time.Sleep(100 * time.Millisecond)

	write(`scheduler:
  enabled: true
schedules:
  - id: hourly
    schedule: 1h
    principal: ins
    audience: all
    template: "Hi {firstName}"
`)

	deadline := time.Now().Add(5 * time.Second)
	for len(a.Schedules()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reloaded schedules never applied")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := a.Schedules()[0]; got.ID != "hourly" || got.Next.IsZero() {
		t.Fatalf("schedule not armed: %+v", got)
	}
}

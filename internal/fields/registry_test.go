package fields

import (
	"errors"
	"testing"
	"time"

	"campuscast/internal/access"
	"campuscast/internal/storage"
)

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	fn := func(*RenderContext) string { return "x" }
	if err := r.Register("promo", CategoryCustom, fn); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register("promo", CategoryUser, fn)
	var dup *DuplicateFieldError
	if !errors.As(err, &dup) {
		t.Fatalf("expected *DuplicateFieldError, got %v", err)
	}
	if dup.Name != "promo" {
		t.Fatalf("Name = %q", dup.Name)
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	fn := func(*RenderContext) string { return "" }
	for _, name := range []string{"", "first name", "a-b", "{x}"} {
		var inv *InvalidFieldError
		if err := r.Register(name, CategoryUser, fn); !errors.As(err, &inv) {
			t.Fatalf("Register(%q) = %v, want *InvalidFieldError", name, err)
		}
	}
	var inv *InvalidFieldError
	if err := r.Register("ok", "weird", fn); !errors.As(err, &inv) {
		t.Fatalf("unknown category accepted: %v", err)
	}
	if err := r.Register("ok", CategoryUser, nil); !errors.As(err, &inv) {
		t.Fatalf("nil resolver accepted: %v", err)
	}
}

func TestSealedRegistryIsReadOnly(t *testing.T) {
	t.Parallel()
	r, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	if !r.Sealed() {
		t.Fatal("NewDefault should seal")
	}
	if err := r.Register("late", CategoryCustom, func(*RenderContext) string { return "" }); !errors.Is(err, ErrSealed) {
		t.Fatalf("Register after Seal = %v, want ErrSealed", err)
	}
}

func TestListGroupsByCategory(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	fn := func(*RenderContext) string { return "" }
	// Deliberately interleaved categories.
	regs := []Info{
		{"b_system", CategorySystem},
		{"z_user", CategoryUser},
		{"promo", CategoryCustom},
		{"a_user", CategoryUser},
		{"c_course", CategoryCourse},
	}
	for _, in := range regs {
		if err := r.Register(in.Name, in.Category, fn); err != nil {
			t.Fatalf("Register(%s): %v", in.Name, err)
		}
	}
	got := r.List()
	want := []string{"z_user", "a_user", "c_course", "b_system", "promo"}
	if len(got) != len(want) {
		t.Fatalf("List len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Fatalf("List[%d] = %s, want %s (got %v)", i, got[i].Name, want[i], got)
		}
	}
}

func TestDefaultResolvers(t *testing.T) {
	t.Parallel()
	r, err := NewDefault("promoCode")
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	ctx := &RenderContext{
		User: &storage.Recipient{ID: "u1", DisplayName: "John Carter", Email: "john@example.com", Role: access.RoleStudent},
		Course: &storage.Course{
			Name:            "Leadership 101",
			StartsAt:        time.Date(2026, 11, 2, 9, 5, 0, 0, time.FixedZone("X", 3*3600)),
			DurationMinutes: 90,
		},
		System: System{PlatformName: "Campus", Now: time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC)},
		Custom: map[string]string{"promoCode": "FALL26"},
	}
	tests := map[string]string{
		"firstName":       "John",
		"lastName":        "Carter",
		"fullName":        "John Carter",
		"email":           "john@example.com",
		"role":            "student",
		"courseName":      "Leadership 101",
		"courseStartDate": "2026-11-02",
		"courseStartTime": "06:05",
		"courseDuration":  "90",
		"lessonTitle":     "",
		"meetingLink":     "",
		"platformName":    "Campus",
		"currentDate":     "2026-10-14",
		"currentYear":     "2026",
		"promoCode":       "FALL26",
	}
	for name, want := range tests {
		fn, ok := r.Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%s) missing", name)
		}
		if got := fn(ctx); got != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestDurationFormatting(t *testing.T) {
	t.Parallel()
	r, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	courseDur, _ := r.Lookup("courseDuration")
	lessonDur, _ := r.Lookup("lessonDuration")

	cases := []struct {
		minutes int
		want    string
	}{
		{0, "0"},
		{45, "45"},
		{600, "600"},
		{-5, ""},
	}
	for _, tc := range cases {
		ctx := &RenderContext{
			Course: &storage.Course{DurationMinutes: tc.minutes},
			Lesson: &storage.Lesson{DurationMinutes: tc.minutes},
		}
		if got := courseDur(ctx); got != tc.want {
			t.Fatalf("courseDuration(%d) = %q, want %q", tc.minutes, got, tc.want)
		}
		if got := lessonDur(ctx); got != tc.want {
			t.Fatalf("lessonDuration(%d) = %q, want %q", tc.minutes, got, tc.want)
		}
	}
}

func TestResolversTolerateEmptyContext(t *testing.T) {
	t.Parallel()
	r, err := NewDefault("promoCode")
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	for _, in := range r.List() {
		fn, _ := r.Lookup(in.Name)
		if got := fn(&RenderContext{}); got != "" {
			t.Fatalf("%s on empty context = %q, want empty", in.Name, got)
		}
		if got := fn(nil); got != "" {
			t.Fatalf("%s on nil context = %q, want empty", in.Name, got)
		}
	}
}

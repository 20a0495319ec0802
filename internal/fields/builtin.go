package fields

import (
	"fmt"
	"strconv"
	"time"
)

// Fixed, locale-independent layouts so output is reproducible.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// formatMinutes renders 0 as "0"; only a negative count is blank.
func formatMinutes(n int) string {
	if n < 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func user(fn func(ctx *RenderContext) string) Resolver {
	return func(ctx *RenderContext) string {
		if ctx == nil || ctx.User == nil {
			return ""
		}
		return fn(ctx)
	}
}

func course(fn func(ctx *RenderContext) string) Resolver {
	return func(ctx *RenderContext) string {
		if ctx == nil || ctx.Course == nil {
			return ""
		}
		return fn(ctx)
	}
}

func lesson(fn func(ctx *RenderContext) string) Resolver {
	return func(ctx *RenderContext) string {
		if ctx == nil || ctx.Lesson == nil {
			return ""
		}
		return fn(ctx)
	}
}

func system(fn func(ctx *RenderContext) string) Resolver {
	return func(ctx *RenderContext) string {
		if ctx == nil {
			return ""
		}
		return fn(ctx)
	}
}

// RegisterDefaults installs the built-in user, course, lesson and system fields.
func RegisterDefaults(r *Registry) error {
	defs := []struct {
		name string
		cat  Category
		fn   Resolver
	}{
		{"firstName", CategoryUser, user(func(c *RenderContext) string { return c.User.GivenName() })},
		{"lastName", CategoryUser, user(func(c *RenderContext) string { return c.User.FamilyName() })},
		{"fullName", CategoryUser, user(func(c *RenderContext) string { return c.User.FullName() })},
		{"email", CategoryUser, user(func(c *RenderContext) string { return c.User.Email })},
		{"phoneNumber", CategoryUser, user(func(c *RenderContext) string { return c.User.Phone })},
		{"role", CategoryUser, user(func(c *RenderContext) string { return string(c.User.Role) })},

		{"courseName", CategoryCourse, course(func(c *RenderContext) string { return c.Course.Name })},
		{"courseDescription", CategoryCourse, course(func(c *RenderContext) string { return c.Course.Description })},
		{"courseInstructor", CategoryCourse, course(func(c *RenderContext) string { return c.Course.Instructor })},
		{"courseStartDate", CategoryCourse, course(func(c *RenderContext) string { return formatDate(c.Course.StartsAt) })},
		{"courseStartTime", CategoryCourse, course(func(c *RenderContext) string { return formatTime(c.Course.StartsAt) })},
		{"courseDuration", CategoryCourse, course(func(c *RenderContext) string { return formatMinutes(c.Course.DurationMinutes) })},

		{"lessonTitle", CategoryLesson, lesson(func(c *RenderContext) string { return c.Lesson.Title })},
		{"lessonDate", CategoryLesson, lesson(func(c *RenderContext) string { return formatDate(c.Lesson.StartsAt) })},
		{"lessonTime", CategoryLesson, lesson(func(c *RenderContext) string { return formatTime(c.Lesson.StartsAt) })},
		{"lessonDuration", CategoryLesson, lesson(func(c *RenderContext) string { return formatMinutes(c.Lesson.DurationMinutes) })},
		{"meetingLink", CategoryLesson, lesson(func(c *RenderContext) string { return c.Lesson.MeetingURL })},

		{"platformName", CategorySystem, system(func(c *RenderContext) string { return c.System.PlatformName })},
		{"supportEmail", CategorySystem, system(func(c *RenderContext) string { return c.System.SupportEmail })},
		{"currentDate", CategorySystem, system(func(c *RenderContext) string { return formatDate(c.System.Now) })},
		{"currentYear", CategorySystem, system(func(c *RenderContext) string {
			if c.System.Now.IsZero() {
				return ""
			}
			return fmt.Sprintf("%04d", c.System.Now.UTC().Year())
		})},
	}
	for _, d := range defs {
		if err := r.Register(d.name, d.cat, d.fn); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCustom installs custom-category fields that read customData[name].
func RegisterCustom(r *Registry, names ...string) error {
	for _, name := range names {
		key := name
		err := r.Register(key, CategoryCustom, func(ctx *RenderContext) string {
			if ctx == nil {
				return ""
			}
			return ctx.Custom[key]
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// NewDefault returns a sealed registry with the built-ins plus custom names.
func NewDefault(custom ...string) (*Registry, error) {
	r := NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		return nil, err
	}
	if err := RegisterCustom(r, custom...); err != nil {
		return nil, err
	}
	r.Seal()
	return r, nil
}

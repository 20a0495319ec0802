package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"campuscast/internal/access"
)

var ErrClosed = errors.New("storage closed")

// EnrollmentActive is the only enrollment status that counts as enrolled.
const EnrollmentActive = "active"

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store, optionally seeded once from Path
//   - "file": JSON/YAML snapshot at Path, reloaded when the file changes
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", the memory driver is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Recipient is a platform user that bulk messages can target.
type Recipient struct {
	ID          string      `json:"id" yaml:"id"`
	DisplayName string      `json:"display_name" yaml:"display_name"`
	FirstName   string      `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName    string      `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	Email       string      `json:"email,omitempty" yaml:"email,omitempty"`
	Phone       string      `json:"phone,omitempty" yaml:"phone,omitempty"`
	Role        access.Role `json:"role" yaml:"role"`
	Active      bool        `json:"active" yaml:"active"`
}

// GivenName returns FirstName, or the first word of DisplayName when unset.
func (r Recipient) GivenName() string {
	if s := strings.TrimSpace(r.FirstName); s != "" {
		return s
	}
	first, _, _ := strings.Cut(strings.TrimSpace(r.DisplayName), " ")
	return first
}

// FamilyName returns LastName, or everything after the first word of DisplayName.
func (r Recipient) FamilyName() string {
	if s := strings.TrimSpace(r.LastName); s != "" {
		return s
	}
	_, rest, _ := strings.Cut(strings.TrimSpace(r.DisplayName), " ")
	return strings.TrimSpace(rest)
}

// FullName prefers DisplayName and falls back to "first last".
func (r Recipient) FullName() string {
	if s := strings.TrimSpace(r.DisplayName); s != "" {
		return s
	}
	return strings.TrimSpace(strings.TrimSpace(r.FirstName) + " " + strings.TrimSpace(r.LastName))
}

// Principal maps the recipient record onto the caller identity used by the access gate.
func (r Recipient) Principal() *access.Principal {
	return &access.Principal{ID: r.ID, Role: r.Role, Active: r.Active}
}

type Course struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	Description     string    `json:"description,omitempty" yaml:"description,omitempty"`
	Instructor      string    `json:"instructor,omitempty" yaml:"instructor,omitempty"`
	StartsAt        time.Time `json:"starts_at,omitempty" yaml:"starts_at,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty" yaml:"duration_minutes,omitempty"`
}

type Lesson struct {
	ID              string    `json:"id" yaml:"id"`
	CourseID        string    `json:"course_id" yaml:"course_id"`
	Title           string    `json:"title" yaml:"title"`
	StartsAt        time.Time `json:"starts_at,omitempty" yaml:"starts_at,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty" yaml:"duration_minutes,omitempty"`
	MeetingURL      string    `json:"meeting_url,omitempty" yaml:"meeting_url,omitempty"`
}

type Enrollment struct {
	RecipientID string `json:"recipient_id" yaml:"recipient_id"`
	CourseID    string `json:"course_id" yaml:"course_id"`
	Status      string `json:"status" yaml:"status"`
}

// Snapshot is a complete directory image, used for seeding and by the file driver.
type Snapshot struct {
	Recipients  []Recipient  `json:"recipients" yaml:"recipients"`
	Courses     []Course     `json:"courses" yaml:"courses"`
	Lessons     []Lesson     `json:"lessons" yaml:"lessons"`
	Enrollments []Enrollment `json:"enrollments" yaml:"enrollments"`
}

// Store is the read-only directory API consumed by the dispatch pipeline.
//
// Every call reads current backing state; implementations must not hand out
// cached recipient records across calls. Result order is insertion order.
type Store interface {
	ListRecipients(ctx context.Context) ([]Recipient, error)
	RecipientsByRole(ctx context.Context, role access.Role) ([]Recipient, error)
	RecipientsByIDs(ctx context.Context, ids []string) ([]Recipient, error)
	// EnrolledRecipients returns recipients with an active enrollment in courseID.
	// It does not check that the course exists.
	EnrolledRecipients(ctx context.Context, courseID string) ([]Recipient, error)
	Recipient(ctx context.Context, id string) (Recipient, bool, error)
	Course(ctx context.Context, id string) (Course, bool, error)
	Lesson(ctx context.Context, id string) (Lesson, bool, error)
	Close() error
}

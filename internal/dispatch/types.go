package dispatch

import (
	"fmt"
	"time"

	"campuscast/internal/access"
	"campuscast/internal/audience"
	"campuscast/internal/fields"
	"campuscast/internal/merge"
)

type Config struct {
	Workers       int
	RatePerSec    int
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// StatusTTL bounds how long finished job status stays queryable.
	StatusTTL time.Duration
	// Platform fills the system fields. Now is ignored; it is read per render.
	Platform fields.System
}

const (
	defaultWorkers     = 4
	defaultRatePerSec  = 10
	defaultSendTimeout = 10 * time.Second
	defaultStatusTTL   = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = defaultStatusTTL
	}
	return c
}

// Request is one bulk send.
type Request struct {
	// Label names the job in logs and status (optional).
	Label       string
	Principal   *access.Principal
	Requirement access.Requirement
	Audience    audience.Specifier
	Template    string
	CustomData  map[string]string
	// CourseID and LessonID select render metadata. A course audience implies its course.
	CourseID   string
	LessonID   string
	ScheduleID string
}

// Reason classifies a per-recipient failure.
type Reason string

const (
	ReasonRender    Reason = "render"
	ReasonTransport Reason = "transport"
	ReasonTimeout   Reason = "timeout"
	ReasonCanceled  Reason = "canceled"
)

type Failure struct {
	RecipientID string
	Reason      Reason
	Err         error
}

// Result aggregates per-recipient outcomes. Failures and Warnings follow
// audience order.
type Result struct {
	JobID      string
	Total      int
	Sent       int
	Failed     int
	Skipped    int
	Dropped    int
	DroppedIDs []string
	Failures   []Failure
	Warnings   []merge.UnresolvedTokenWarning
	Canceled   bool
}

// FailedIDs lists failing recipient ids in audience order.
func (r Result) FailedIDs() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.RecipientID)
	}
	return out
}

// TransportError wraps the last error a transport returned for one recipient.
type TransportError struct {
	RecipientID string
	Attempts    int
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to %s failed after %d attempt(s): %v", e.RecipientID, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnknownLessonError is returned when Request.LessonID does not exist.
type UnknownLessonError struct {
	LessonID string
}

func (e *UnknownLessonError) Error() string {
	return fmt.Sprintf("unknown lesson %q", e.LessonID)
}

package schedule

import (
	"context"
	"errors"
	"time"

	"campuscast/internal/access"
	"campuscast/internal/audience"
	"campuscast/internal/dispatch"
	"campuscast/internal/storage"
	"campuscast/internal/transport"
)

var (
	ErrUnknownSchedule = errors.New("unknown schedule")
	// ErrOverlap is returned when a trigger fires while the previous run of the
	// same schedule is still in flight.
	ErrOverlap = errors.New("schedule already running")
)

type Config struct {
	// Timezone is an IANA name ("Asia/Jakarta"); empty means Local.
	Timezone string
	// RunTimeout bounds one scheduled dispatch when a definition sets none.
	RunTimeout time.Duration
	// Bypass, when set, is used for definitions whose PrincipalID equals Bypass.ID
	// instead of reading the principal from storage.
	Bypass *access.Principal
}

const defaultRunTimeout = 30 * time.Minute

// Definition is one scheduled bulk send.
type Definition struct {
	ID          string
	Schedule    string
	PrincipalID string
	Requirement access.Requirement
	Audience    audience.Specifier
	Template    string
	CustomData  map[string]string
	CourseID    string
	LessonID    string
	Transport   transport.Kind
	Timeout     time.Duration
}

// Dispatcher runs one bulk send.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, tr transport.Sender) (dispatch.Result, error)
}

// Principals looks up the account a schedule runs as.
type Principals interface {
	Recipient(ctx context.Context, id string) (storage.Recipient, bool, error)
}

// SenderFor picks the transport for a delivery channel.
type SenderFor func(kind transport.Kind) transport.Sender

// Run is the outcome of the most recent trigger.
type Run struct {
	At     time.Time
	JobID  string
	Sent   int
	Failed int
	Err    string
}

// Info is a read-only view of a registered schedule.
type Info struct {
	ID       string
	Kind     SpecKind
	Schedule string
	Next     time.Time
	Running  bool
	Last     *Run
}

package eventbus

import "time"

// Dispatch lifecycle event types.
const (
	TypeDispatchDenied          = "dispatch.denied"
	TypeDispatchStarted         = "dispatch.started"
	TypeDispatchRecipientFailed = "dispatch.recipient_failed"
	TypeDispatchFinished        = "dispatch.finished"
	TypeScheduleSkipped         = "schedule.skipped"
)

type DispatchDenied struct {
	JobID       string
	PrincipalID string
	Reason      string
}

type DispatchStarted struct {
	JobID      string
	Audience   string
	Total      int
	Dropped    int
	StartedAt  time.Time
	ScheduleID string
}

type RecipientFailed struct {
	JobID       string
	RecipientID string
	Reason      string
	Error       string
}

type DispatchFinished struct {
	JobID    string
	Total    int
	Sent     int
	Failed   int
	Skipped  int
	Canceled bool
	Took     time.Duration
}

type ScheduleSkipped struct {
	ScheduleID string
	Reason     string
}

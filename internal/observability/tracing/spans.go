package tracing

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanDispatch = "dispatch.run"
	SpanResolve  = "dispatch.resolve"
	SpanSend     = "dispatch.send"
	SpanSchedule = "schedule.trigger"
)

// Attribute keys.
const (
	AttrJobID       = "dispatch.job_id"
	AttrAudience    = "dispatch.audience"
	AttrTotal       = "dispatch.total"
	AttrSent        = "dispatch.sent"
	AttrFailed      = "dispatch.failed"
	AttrSkipped     = "dispatch.skipped"
	AttrRecipientID = "recipient.id"
	AttrAttempts    = "send.attempts"
	AttrReason      = "failure.reason"
	AttrScheduleID  = "schedule.id"
	AttrPrincipalID = "principal.id"
)

// Fail marks span as errored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Package schedule triggers dispatch requests on cron, interval or one-shot
// schedules. It owns no execution state beyond an overlap flag per schedule;
// each trigger runs a full dispatch with the principal read at that moment.
package schedule

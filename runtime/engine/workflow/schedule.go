package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type (
	// ProducerSchedule is the durable cadence record for one producer.
	ProducerSchedule struct {
		WorkflowID   string
		ProducerName string
		ScheduleType ScheduleType
		// ScheduleValue is a Go duration string for interval schedules or a
		// five-field cron expression for cron schedules.
		ScheduleValue string
		NextRunAt     time.Time
	}

	// HandlerState is the per-handler opaque user state blob. Updated only
	// on commit.
	HandlerState struct {
		WorkflowID  string
		HandlerName string
		State       json.RawMessage
		// WakeAt schedules the owning consumer to run no earlier than this
		// time. Zero means no wake is scheduled.
		WakeAt    time.Time
		UpdatedAt time.Time
	}

	// ScheduleType distinguishes interval from cron schedules.
	ScheduleType string
)

const (
	// ScheduleInterval repeats every fixed duration.
	ScheduleInterval ScheduleType = "interval"
	// ScheduleCron follows a five-field cron expression.
	ScheduleCron ScheduleType = "cron"
)

// cronParser accepts standard five-field expressions (minute granularity).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Due reports whether the schedule should fire at now.
func (s *ProducerSchedule) Due(now time.Time) bool {
	return !s.NextRunAt.IsZero() && !now.Before(s.NextRunAt)
}

// Next computes the next fire time strictly after now. Advancement is
// monotone: callers persist max(current, Next(now)).
func (s *ProducerSchedule) Next(now time.Time) (time.Time, error) {
	switch s.ScheduleType {
	case ScheduleInterval:
		d, err := time.ParseDuration(s.ScheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("producer %q: invalid interval %q: %w", s.ProducerName, s.ScheduleValue, err)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("producer %q: interval must be positive, got %q", s.ProducerName, s.ScheduleValue)
		}
		return now.Add(d), nil
	case ScheduleCron:
		spec, err := cronParser.Parse(s.ScheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("producer %q: invalid cron %q: %w", s.ProducerName, s.ScheduleValue, err)
		}
		return spec.Next(now), nil
	default:
		return time.Time{}, fmt.Errorf("producer %q: unknown schedule type %q", s.ProducerName, s.ScheduleType)
	}
}

// ValidateScheduleValue checks an interval or cron expression without
// computing a fire time.
func ValidateScheduleValue(typ ScheduleType, value string) error {
	s := ProducerSchedule{ProducerName: "schedule", ScheduleType: typ, ScheduleValue: value}
	_, err := s.Next(time.Now())
	return err
}

// Wake clamp bounds: a consumer may not wake itself sooner than 30s out nor
// later than 24h out.
const (
	MinWakeDelay = 30 * time.Second
	MaxWakeDelay = 24 * time.Hour
)

// ClampWakeAt applies the persistence clamp to a requested wake time:
// max(now+30s, min(requested, now+24h)). A zero or past-saturated request
// clears the wake (returns zero).
func ClampWakeAt(requested, now time.Time) time.Time {
	if requested.IsZero() {
		return time.Time{}
	}
	max := now.Add(MaxWakeDelay)
	if requested.After(max) {
		requested = max
	}
	if min := now.Add(MinWakeDelay); requested.Before(min) {
		requested = min
	}
	return requested
}

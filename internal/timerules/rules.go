// Package timerules holds the temporal checks applied to slots and appointments.
// Every rule takes "now" explicitly so callers control the clock.
package timerules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidRange         = errors.New("start must be before end")
	ErrPastDated            = errors.New("start is in the past")
	ErrInsufficientLeadTime = errors.New("start is sooner than the minimum lead time")
	ErrCutoffPassed         = errors.New("cancellation cutoff has passed")
)

// IsChronological fails when start is not strictly before end.
func IsChronological(start, end time.Time) error {
	if !start.Before(end) {
		return fmt.Errorf("%w: start=%s end=%s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}

// IsFuture fails when start lies before now.
func IsFuture(start, now time.Time) error {
	if start.Before(now) {
		return fmt.Errorf("%w: start=%s now=%s", ErrPastDated, start.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}

// RespectsLeadTime fails when fewer than minLead separates now from start.
func RespectsLeadTime(start, now time.Time, minLead time.Duration) error {
	if start.Sub(now) < minLead {
		return fmt.Errorf("%w: starts in %s, minimum is %s", ErrInsufficientLeadTime, roundDuration(start.Sub(now)), minLead)
	}
	return nil
}

// RespectsCancellationCutoff fails when fewer than cutoff separates now from
// the appointment start.
func RespectsCancellationCutoff(start, now time.Time, cutoff time.Duration) error {
	if start.Sub(now) < cutoff {
		return fmt.Errorf("%w: starts in %s, cancellations close %s before start", ErrCutoffPassed, roundDuration(start.Sub(now)), cutoff)
	}
	return nil
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// PreviousDayAt returns hour:minute on the calendar day before start, in loc.
func PreviousDayAt(start time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := start.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()-1, hour, minute, 0, 0, loc)
}

// ParseClock parses a wall-clock time such as "20:00".
func ParseClock(raw string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("clock %q: want HH:MM", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("clock %q: invalid hour", raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock %q: invalid minute", raw)
	}
	return hour, minute, nil
}

func roundDuration(d time.Duration) time.Duration {
	return d.Round(time.Minute)
}

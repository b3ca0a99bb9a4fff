package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
	redisclient "github.com/hackgods/onsite-therapy-scheduling/internal/redis"
)

type stubFinder struct {
	due      []appointment.AppointmentDetail
	from, to time.Time
	err      error
}

func (f *stubFinder) FindApprovedStartingBetween(_ context.Context, from, to time.Time) ([]appointment.AppointmentDetail, error) {
	f.from, f.to = from, to
	return f.due, f.err
}

type collector struct {
	mu     sync.Mutex
	events []notify.Event
	full   bool
}

func (c *collector) Enqueue(events ...notify.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return 0
	}
	c.events = append(c.events, events...)
	return len(events)
}

type brokenLedger struct{}

func (brokenLedger) Claim(context.Context, string, uuid.UUID) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenLedger) Release(context.Context, string, uuid.UUID) error {
	return errors.New("redis down")
}

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return loc
}

func detail(start time.Time, linked *uuid.UUID) appointment.AppointmentDetail {
	d := appointment.AppointmentDetail{
		Appointment: appointment.Appointment{
			ID:          uuid.New(),
			RequestedBy: uuid.New(),
			Status:      appointment.StatusApproved,
			Employee:    appointment.ExternalRecord{Name: "Taro"},
		},
		Slot: appointment.Slot{TherapistID: uuid.New(), StartTime: start, EndTime: start.Add(time.Hour)},
	}
	if linked != nil {
		d.Employee = appointment.LinkedUser{UserID: *linked}
	}
	return d
}

func newLedger(t *testing.T) *redisclient.ReminderLedger {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisclient.NewReminderLedger(client)
}

func TestSweepWindowIsTomorrowInLocation(t *testing.T) {
	loc := tokyo(t)
	// 23:30 UTC on the 15th is already the 16th in Tokyo.
	now := time.Date(2026, 10, 15, 23, 30, 0, 0, time.UTC)
	finder := &stubFinder{}

	s := NewSweeper(finder, newLedger(t), &collector{}, Options{Location: loc, Now: func() time.Time { return now }})
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2026-10-17", res.Day)
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, loc), finder.from)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, loc), finder.to)
}

func TestSweepIsRerunnable(t *testing.T) {
	loc := tokyo(t)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, loc)
	employee := uuid.New()
	finder := &stubFinder{due: []appointment.AppointmentDetail{
		detail(time.Date(2026, 10, 17, 10, 0, 0, 0, loc), &employee),
		detail(time.Date(2026, 10, 17, 14, 0, 0, 0, loc), nil),
	}}
	out := &collector{}
	ledger := newLedger(t)

	s := NewSweeper(finder, ledger, out, Options{Location: loc, Now: func() time.Time { return now }})
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Day: "2026-10-17", Candidates: 2, Sent: 2}, res)
	// therapist + requester + linked employee, then therapist + requester
	assert.Len(t, out.events, 5)
	for _, ev := range out.events {
		assert.Equal(t, notify.KindReminder, ev.Kind)
	}

	res, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Day: "2026-10-17", Candidates: 2, Duplicates: 2}, res)
	assert.Len(t, out.events, 5)
}

func TestSweepRetriesDroppedReminder(t *testing.T) {
	loc := tokyo(t)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, loc)
	finder := &stubFinder{due: []appointment.AppointmentDetail{detail(time.Date(2026, 10, 17, 10, 0, 0, 0, loc), nil)}}
	out := &collector{full: true}

	s := NewSweeper(finder, newLedger(t), out, Options{Location: loc, Now: func() time.Time { return now }})
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Day: "2026-10-17", Candidates: 1, Dropped: 1}, res)
	assert.Empty(t, out.events)

	out.full = false
	res, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Day: "2026-10-17", Candidates: 1, Sent: 1}, res)
	assert.Len(t, out.events, 2)
}

func TestSweepSendsWhenLedgerFails(t *testing.T) {
	loc := tokyo(t)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, loc)
	finder := &stubFinder{due: []appointment.AppointmentDetail{detail(time.Date(2026, 10, 17, 10, 0, 0, 0, loc), nil)}}
	out := &collector{}

	s := NewSweeper(finder, brokenLedger{}, out, Options{Location: loc, Now: func() time.Time { return now }})
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, out.events, 2)
}

func TestSweepFinderError(t *testing.T) {
	finder := &stubFinder{err: errors.New("db down")}
	s := NewSweeper(finder, newLedger(t), &collector{}, Options{})

	_, err := s.Sweep(context.Background())
	assert.ErrorContains(t, err, "db down")
}

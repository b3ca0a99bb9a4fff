package appointment

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/onsite-therapy-scheduling/internal/config"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
	redisclient "github.com/hackgods/onsite-therapy-scheduling/internal/redis"
	"github.com/hackgods/onsite-therapy-scheduling/internal/timerules"
)

type fixture struct {
	store    *memStore
	notifier *recordingNotifier
	svc      *Service
	now      time.Time
	loc      *time.Location

	therapistID uuid.UUID
	companyID   uuid.UUID

	admin     Actor
	therapist Actor
	rep       Actor
}

func newFixture(t *testing.T, tweak func(*config.BookingPolicy), locker redisclient.Locker) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	policy := config.BookingPolicy{
		Location:         loc,
		AdminMinLeadTime: 72 * time.Hour,
		CancelCutoffHour: 20,
	}
	if tweak != nil {
		tweak(&policy)
	}
	if locker == nil {
		locker = passLocker{}
	}

	f := &fixture{
		store:       newMemStore(),
		notifier:    &recordingNotifier{},
		now:         time.Date(2026, 10, 15, 9, 0, 0, 0, loc),
		loc:         loc,
		therapistID: uuid.New(),
		companyID:   uuid.New(),
	}
	f.admin = Actor{UserID: uuid.New(), Role: RoleAdmin}
	f.therapist = Actor{UserID: f.therapistID, Role: RoleTherapist}
	f.rep = Actor{UserID: uuid.New(), Role: RoleCompanyUser, CompanyID: &f.companyID}
	f.svc = NewService(f.store, locker, policy,
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) slotIn(d time.Duration) Slot {
	return f.store.addSlot(f.therapistID, f.now.Add(d), time.Hour)
}

func (f *fixture) request(slotID uuid.UUID) ReserveRequest {
	return ReserveRequest{
		SlotID:    slotID,
		CompanyID: f.companyID,
		Employee:  ExternalRecord{Name: "Taro", Code: "E-001"},
		Symptoms:  []string{"lower back pain"},
	}
}

func TestReserveHappyPath(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)

	appt, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, appt.Status)
	assert.Equal(t, f.rep.UserID, appt.RequestedBy)
	assert.Equal(t, ExternalRecord{Name: "Taro", Code: "E-001"}, appt.Employee)
	assert.Equal(t, []string{"lower back pain"}, appt.Symptoms)

	got, err := f.svc.repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, got.Status)

	assert.Equal(t, []uuid.UUID{f.therapistID}, f.notifier.recipients(notify.KindReserved))
	assert.Contains(t, f.store.eventTypes(), EventAppointmentReserved)
}

func TestReserveApprovalFlowStartsPending(t *testing.T) {
	f := newFixture(t, func(p *config.BookingPolicy) { p.RequiresApproval = true }, nil)
	slot := f.slotIn(5 * 24 * time.Hour)

	appt, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)

	got, _ := f.svc.repo.GetSlot(context.Background(), slot.ID)
	assert.Equal(t, SlotBooked, got.Status)
}

func TestReserveNotifiesLinkedEmployee(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)
	employee := uuid.New()

	req := f.request(slot.ID)
	req.Employee = LinkedUser{UserID: employee}
	_, err := f.svc.Reserve(context.Background(), f.rep, req)
	require.NoError(t, err)

	assert.ElementsMatch(t, []uuid.UUID{f.therapistID, employee}, f.notifier.recipients(notify.KindReserved))
}

func TestReserveRejectsSecondBooking(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)

	_, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	require.NoError(t, err)

	_, err = f.svc.Reserve(context.Background(), f.admin, f.request(slot.ID))
	assert.ErrorIs(t, err, ErrSlotNotAvailable)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestReserveConcurrentExactlyOneWins(t *testing.T) {
	tests := []struct {
		name   string
		locker func(t *testing.T) redisclient.Locker
	}{
		{"store guard only", func(*testing.T) redisclient.Locker { return passLocker{} }},
		{"redis slot lock", func(t *testing.T) redisclient.Locker {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return redisclient.NewSlotLocker(client, 5*time.Second)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, tt.locker(t))
			slot := f.slotIn(5 * 24 * time.Hour)

			const callers = 32
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
				errs []error
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
						return
					}
					errs = append(errs, err)
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			for _, err := range errs {
				assert.ErrorIs(t, err, ErrSlotNotAvailable)
			}

			active, _ := f.store.usageLocked(slot.ID)
			assert.Equal(t, 1, active)
		})
	}
}

func TestReserveLockContentionIsRetryable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redisclient.NewSlotLocker(client, 5*time.Second)

	f := newFixture(t, nil, locker)
	slot := f.slotIn(5 * 24 * time.Hour)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithSlotLock(context.Background(), slot.ID, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	assert.ErrorIs(t, err, ErrSlotBeingBooked)
	assert.ErrorIs(t, err, ErrSlotNotAvailable)
	close(release)
}

func TestReserveTimeRules(t *testing.T) {
	f := newFixture(t, nil, nil)

	past := f.slotIn(-time.Hour)
	_, err := f.svc.Reserve(context.Background(), f.rep, f.request(past.ID))
	assert.ErrorIs(t, err, timerules.ErrPastDated)
	assert.Equal(t, KindValidation, KindOf(err))

	soon := f.slotIn(48 * time.Hour)
	_, err = f.svc.Reserve(context.Background(), f.admin, f.request(soon.ID))
	assert.ErrorIs(t, err, timerules.ErrInsufficientLeadTime)

	// The direct flow has no minimum lead time.
	_, err = f.svc.Reserve(context.Background(), f.rep, f.request(soon.ID))
	assert.NoError(t, err)

	got, err := f.svc.repo.GetSlot(context.Background(), past.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, got.Status, "rejected reservation must not mutate the slot")
	assert.Len(t, f.notifier.recipients(notify.KindReserved), 1)
}

func TestReserveDirectLeadTime(t *testing.T) {
	f := newFixture(t, func(p *config.BookingPolicy) { p.DirectMinLeadTime = 24 * time.Hour }, nil)
	slot := f.slotIn(12 * time.Hour)

	_, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	assert.ErrorIs(t, err, timerules.ErrInsufficientLeadTime)
}

func TestReserveValidationAndAuthorization(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)
	otherCompany := uuid.New()

	req := f.request(slot.ID)
	req.Employee = ExternalRecord{Name: "  "}
	_, err := f.svc.Reserve(context.Background(), f.rep, req)
	assert.ErrorIs(t, err, ErrInvalidEmployee)

	req.Employee = nil
	_, err = f.svc.Reserve(context.Background(), f.rep, req)
	assert.ErrorIs(t, err, ErrInvalidEmployee)

	req = f.request(slot.ID)
	req.CompanyID = otherCompany
	_, err = f.svc.Reserve(context.Background(), f.rep, req)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Reserve(context.Background(), f.therapist, f.request(slot.ID))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Reserve(context.Background(), f.rep, f.request(uuid.New()))
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestReserveCompanyRestrictedSlot(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)
	other := uuid.New()
	f.store.mu.Lock()
	f.store.slots[slot.ID].CompanyID = &other
	f.store.mu.Unlock()

	_, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	assert.ErrorIs(t, err, ErrSlotNotAvailable)
}

// hookLocker runs before inside the critical section, ahead of fn.
type hookLocker struct {
	before func()
}

func (l hookLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	l.before()
	return fn(ctx)
}

func TestReserveRechecksSlotMovedBeforeInsert(t *testing.T) {
	var f *fixture
	var slot Slot
	moved := false
	f = newFixture(t, nil, hookLocker{before: func() {
		if moved {
			return
		}
		moved = true
		_, err := f.svc.UpdateSlot(context.Background(), f.therapist, slot.ID, SlotChanges{
			StartTime: f.now.Add(time.Hour),
			EndTime:   f.now.Add(2 * time.Hour),
		})
		require.NoError(t, err)
	}})
	slot = f.slotIn(5 * 24 * time.Hour)

	_, err := f.svc.Reserve(context.Background(), f.admin, f.request(slot.ID))
	assert.ErrorIs(t, err, timerules.ErrInsufficientLeadTime)

	got, err := f.svc.repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, got.Status)
	assert.Empty(t, f.notifier.recipients(notify.KindReserved))
}

func TestReserveRechecksCompanyRestrictionUnderLock(t *testing.T) {
	var f *fixture
	var slot Slot
	other := uuid.New()
	f = newFixture(t, nil, hookLocker{before: func() {
		f.store.mu.Lock()
		f.store.slots[slot.ID].CompanyID = &other
		f.store.mu.Unlock()
	}})
	slot = f.slotIn(5 * 24 * time.Hour)

	_, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	assert.ErrorIs(t, err, ErrSlotNotAvailable)
}

func TestReserveWithoutRedisFallsBackToRowLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, nil, redisclient.NewSlotLocker(client, 5*time.Second))
	slot := f.slotIn(5 * 24 * time.Hour)
	mr.Close()

	appt, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, appt.Status)

	_, err = f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	assert.ErrorIs(t, err, ErrSlotNotAvailable)
	assert.NotEqual(t, KindInternal, KindOf(err))
}

func TestRejectThenRebook(t *testing.T) {
	f := newFixture(t, func(p *config.BookingPolicy) { p.RequiresApproval = true }, nil)
	slot := f.slotIn(5 * 24 * time.Hour)

	first, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	require.NoError(t, err)

	_, err = f.svc.Reject(context.Background(), f.therapist, first.ID, "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	rejected, err := f.svc.Reject(context.Background(), f.therapist, first.ID, "therapist unavailable")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "therapist unavailable", *rejected.RejectionReason)
	assert.Equal(t, []uuid.UUID{f.rep.UserID}, f.notifier.recipients(notify.KindRejected))

	got, _ := f.svc.repo.GetSlot(context.Background(), slot.ID)
	assert.Equal(t, SlotAvailable, got.Status)

	second, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, second.Status)

	// The earlier rejection is untouched by the rebooking.
	old, err := f.svc.repo.GetAppointmentDetail(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, old.Status)
}

func TestCancelThenRebook(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)

	first, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), f.rep, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.therapistID}, f.notifier.recipients(notify.KindCancelled))

	_, err = f.svc.Reserve(context.Background(), f.admin, f.request(slot.ID))
	assert.NoError(t, err)
}

func TestCancelCutoffClockRule(t *testing.T) {
	f := newFixture(t, nil, nil)
	start := time.Date(2026, 10, 20, 10, 0, 0, 0, f.loc)
	slot := f.store.addSlot(f.therapistID, start, time.Hour)

	approved := f.store.addAppointment(slot.ID, f.companyID, f.rep.UserID, StatusApproved)

	f.now = time.Date(2026, 10, 19, 20, 1, 0, 0, f.loc)
	_, err := f.svc.Cancel(context.Background(), f.rep, approved.ID)
	assert.ErrorIs(t, err, timerules.ErrCutoffPassed)
	assert.Equal(t, KindValidation, KindOf(err))

	f.now = time.Date(2026, 10, 19, 19, 59, 0, 0, f.loc)
	_, err = f.svc.Cancel(context.Background(), f.rep, approved.ID)
	assert.NoError(t, err)
}

func TestCancelCutoffIgnoresPending(t *testing.T) {
	f := newFixture(t, nil, nil)
	start := time.Date(2026, 10, 20, 10, 0, 0, 0, f.loc)
	slot := f.store.addSlot(f.therapistID, start, time.Hour)
	pending := f.store.addAppointment(slot.ID, f.companyID, f.rep.UserID, StatusPending)

	f.now = start.Add(-time.Hour)
	_, err := f.svc.Cancel(context.Background(), f.rep, pending.ID)
	assert.NoError(t, err)
}

func TestCancelCutoffFixedDuration(t *testing.T) {
	f := newFixture(t, func(p *config.BookingPolicy) { p.CancelCutoff = 24 * time.Hour }, nil)
	slot := f.slotIn(23 * time.Hour)
	approved := f.store.addAppointment(slot.ID, f.companyID, f.rep.UserID, StatusApproved)

	_, err := f.svc.Cancel(context.Background(), f.rep, approved.ID)
	assert.ErrorIs(t, err, timerules.ErrCutoffPassed)

	slot = f.slotIn(25 * time.Hour)
	approved = f.store.addAppointment(slot.ID, f.companyID, f.rep.UserID, StatusApproved)
	_, err = f.svc.Cancel(context.Background(), f.rep, approved.ID)
	assert.NoError(t, err)
}

func TestTransitionClosure(t *testing.T) {
	targets := map[AppointmentStatus]func(*Service, Actor, uuid.UUID) (*Appointment, error){
		StatusApproved: func(s *Service, a Actor, id uuid.UUID) (*Appointment, error) {
			return s.Approve(context.Background(), a, id)
		},
		StatusRejected: func(s *Service, a Actor, id uuid.UUID) (*Appointment, error) {
			return s.Reject(context.Background(), a, id, "no")
		},
		StatusCancelled: func(s *Service, a Actor, id uuid.UUID) (*Appointment, error) {
			return s.Cancel(context.Background(), a, id)
		},
		StatusCompleted: func(s *Service, a Actor, id uuid.UUID) (*Appointment, error) {
			return s.Complete(context.Background(), a, id)
		},
	}

	for _, from := range allStatuses {
		for to, apply := range targets {
			f := newFixture(t, nil, nil)
			slot := f.slotIn(10 * 24 * time.Hour)
			appt := f.store.addAppointment(slot.ID, f.companyID, f.rep.UserID, from)

			got, err := apply(f.svc, f.admin, appt.ID)
			if CanTransition(from, to) {
				if assert.NoErrorf(t, err, "%s -> %s", from, to) {
					assert.Equal(t, to, got.Status)
				}
				continue
			}
			assert.ErrorIsf(t, err, ErrIllegalStatusTransition, "%s -> %s", from, to)
			assert.Equal(t, KindStateMachine, KindOf(err))

			d, _ := f.svc.repo.GetAppointmentDetail(context.Background(), appt.ID)
			assert.Equal(t, from, d.Status, "failed transition must not change status")
		}
	}
}

func TestTransitionAuthorization(t *testing.T) {
	f := newFixture(t, func(p *config.BookingPolicy) { p.RequiresApproval = true }, nil)
	slot := f.slotIn(5 * 24 * time.Hour)
	appt, err := f.svc.Reserve(context.Background(), f.rep, f.request(slot.ID))
	require.NoError(t, err)

	stranger := Actor{UserID: uuid.New(), Role: RoleTherapist}
	_, err = f.svc.Approve(context.Background(), stranger, appt.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Approve(context.Background(), f.rep, appt.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	approved, err := f.svc.Approve(context.Background(), f.therapist, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, []uuid.UUID{f.rep.UserID}, f.notifier.recipients(notify.KindApproved))

	completed, err := f.svc.Complete(context.Background(), f.therapist, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, []uuid.UUID{f.rep.UserID}, f.notifier.recipients(notify.KindCompleted))
	assert.Contains(t, f.store.eventTypes(), EventAppointmentCompleted)
}

func TestNotificationsSkipActor(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)
	appt := f.store.addAppointment(slot.ID, f.companyID, f.therapistID, StatusApproved)

	_, err := f.svc.Complete(context.Background(), f.therapist, appt.ID)
	require.NoError(t, err)
	assert.Empty(t, f.notifier.recipients(notify.KindCompleted))
}

func TestLostCompareAndSwap(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)
	appt := f.store.addAppointment(slot.ID, f.companyID, f.rep.UserID, StatusPending)

	_, err := f.store.UpdateAppointmentStatus(context.Background(), appt.ID, StatusApproved, StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrIllegalStatusTransition)
}

func TestGetAppointmentAndTransitions(t *testing.T) {
	f := newFixture(t, nil, nil)
	slot := f.slotIn(5 * 24 * time.Hour)
	employee := uuid.New()
	req := f.request(slot.ID)
	req.Employee = LinkedUser{UserID: employee}
	appt, err := f.svc.Reserve(context.Background(), f.rep, req)
	require.NoError(t, err)

	self := Actor{UserID: employee, Role: RoleEmployee}
	d, err := f.svc.GetAppointment(context.Background(), self, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, slot.ID, d.Slot.ID)

	next, err := f.svc.AvailableTransitions(context.Background(), f.therapist, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, []AppointmentStatus{StatusCompleted, StatusCancelled}, next)

	other := Actor{UserID: uuid.New(), Role: RoleEmployee}
	_, err = f.svc.GetAppointment(context.Background(), other, appt.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GetAppointment(context.Background(), f.admin, uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestListAppointmentsScopedByRole(t *testing.T) {
	f := newFixture(t, nil, nil)
	otherCompany := uuid.New()
	otherTherapist := uuid.New()

	mine := f.store.addAppointment(f.slotIn(48*time.Hour).ID, f.companyID, f.rep.UserID, StatusApproved)
	foreignSlot := f.store.addSlot(otherTherapist, f.now.Add(72*time.Hour), time.Hour)
	theirs := f.store.addAppointment(foreignSlot.ID, otherCompany, uuid.New(), StatusApproved)

	all, err := f.svc.ListAppointments(context.Background(), f.admin, AppointmentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := f.svc.ListAppointments(context.Background(), f.rep, AppointmentFilter{CompanyID: &otherCompany})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)

	other := Actor{UserID: otherTherapist, Role: RoleTherapist}
	therapistView, err := f.svc.ListAppointments(context.Background(), other, AppointmentFilter{})
	require.NoError(t, err)
	require.Len(t, therapistView, 1)
	assert.Equal(t, theirs.ID, therapistView[0].ID)

	employee := Actor{UserID: uuid.New(), Role: RoleEmployee}
	none, err := f.svc.ListAppointments(context.Background(), employee, AppointmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	orphan := Actor{UserID: uuid.New(), Role: RoleCompanyUser}
	_, err = f.svc.ListAppointments(context.Background(), orphan, AppointmentFilter{})
	assert.ErrorIs(t, err, ErrForbidden)
}

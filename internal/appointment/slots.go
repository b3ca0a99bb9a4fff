package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/timerules"
)

// CreateSlot publishes a bookable slot for a therapist.
func (s *Service) CreateSlot(ctx context.Context, actor Actor, ns NewSlot) (*Slot, error) {
	if err := Authorize(actor, ActionManageSlot, Resource{TherapistID: ns.TherapistID}); err != nil {
		return nil, err
	}
	if err := s.validateSlotTimes(ctx, ns.TherapistID, uuid.Nil, ns.StartTime, ns.EndTime); err != nil {
		return nil, err
	}

	slot, err := s.repo.InsertSlot(ctx, ns)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, nil, EventSlotCreated, map[string]any{
		"slot_id":      slot.ID.String(),
		"therapist_id": slot.TherapistID.String(),
		"start_time":   slot.StartTime,
		"end_time":     slot.EndTime,
	})
	s.logger.Info("slot created", zap.String("slot_id", slot.ID.String()), zap.Time("start", slot.StartTime))
	return slot, nil
}

// UpdateSlot changes an available slot. A zero ServiceMenuID keeps the current menu.
func (s *Service) UpdateSlot(ctx context.Context, actor Actor, id uuid.UUID, ch SlotChanges) (*Slot, error) {
	slot, err := s.loadManagedSlot(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if ch.ServiceMenuID == uuid.Nil {
		ch.ServiceMenuID = slot.ServiceMenuID
	}
	if err := s.validateSlotTimes(ctx, slot.TherapistID, slot.ID, ch.StartTime, ch.EndTime); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateSlot(ctx, id, ch)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, nil, EventSlotUpdated, map[string]any{
		"slot_id":    id.String(),
		"start_time": updated.StartTime,
		"end_time":   updated.EndTime,
	})
	return updated, nil
}

// DeleteSlot removes an available slot. Slots with appointment history are
// withdrawn instead and report withdrawn=true.
func (s *Service) DeleteSlot(ctx context.Context, actor Actor, id uuid.UUID) (withdrawn bool, err error) {
	if _, err := s.loadManagedSlot(ctx, actor, id); err != nil {
		return false, err
	}

	withdrawn, err = s.repo.DeleteSlot(ctx, id)
	if err != nil {
		return false, err
	}

	event := EventSlotDeleted
	if withdrawn {
		event = EventSlotWithdrawn
	}
	s.logEvent(ctx, nil, event, map[string]any{"slot_id": id.String()})
	s.logger.Info("slot removed", zap.String("slot_id", id.String()), zap.Bool("withdrawn", withdrawn))
	return withdrawn, nil
}

// ListUpcomingSlots is a lock-free read; From defaults to now.
func (s *Service) ListUpcomingSlots(ctx context.Context, f SlotFilter) ([]Slot, error) {
	if f.From.IsZero() {
		f.From = s.now()
	}
	f.Limit, f.Offset = normalizePage(f.Limit, f.Offset)

	slots, err := s.repo.ListSlots(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

func (s *Service) loadManagedSlot(ctx context.Context, actor Actor, id uuid.UUID) (*Slot, error) {
	slot, err := s.repo.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, ActionManageSlot, Resource{TherapistID: slot.TherapistID}); err != nil {
		return nil, err
	}
	switch slot.Status {
	case SlotBooked:
		return nil, ErrSlotHasActiveAppointment
	case SlotCancelled:
		return nil, fmt.Errorf("%w: slot has been withdrawn", ErrSlotNotAvailable)
	}
	return slot, nil
}

func (s *Service) validateSlotTimes(ctx context.Context, therapistID, self uuid.UUID, start, end time.Time) error {
	if err := timerules.IsChronological(start, end); err != nil {
		return err
	}
	if err := timerules.IsFuture(start, s.now()); err != nil {
		return err
	}

	live, err := s.repo.ListLiveSlotsBetween(ctx, therapistID, start, end)
	if err != nil {
		return fmt.Errorf("check overlapping slots: %w", err)
	}
	for _, other := range live {
		if other.ID == self {
			continue
		}
		if timerules.Overlaps(start, end, other.StartTime, other.EndTime) {
			return fmt.Errorf("%w: conflicts with slot %s", ErrOverlappingSlot, other.ID)
		}
	}
	return nil
}

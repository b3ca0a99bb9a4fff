package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReminderLedger remembers which reminders were already sent for a day so a
// re-run sweep skips them.
type ReminderLedger struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewReminderLedger(client redis.Cmdable) *ReminderLedger {
	return &ReminderLedger{client: client, ttl: 48 * time.Hour}
}

func reminderKey(day string, appointmentID uuid.UUID) string {
	return fmt.Sprintf("reminder:%s:%s", day, appointmentID)
}

// Claim returns true exactly once per (day, appointment).
func (l *ReminderLedger) Claim(ctx context.Context, day string, appointmentID uuid.UUID) (bool, error) {
	ok, err := l.client.SetNX(ctx, reminderKey(day, appointmentID), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return ok, nil
}

// Release forgets a claim so the next sweep that day sends the reminder again.
func (l *ReminderLedger) Release(ctx context.Context, day string, appointmentID uuid.UUID) error {
	if err := l.client.Del(ctx, reminderKey(day, appointmentID)).Err(); err != nil {
		return fmt.Errorf("release reminder: %w", err)
	}
	return nil
}

package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrContactNotFound = errors.New("contact not found")

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore keeps the in-app inbox and reads contact details from users.
type PgStore struct {
	db pgxQuerier
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{db: pool}
}

func newPgStoreWithQuerier(db pgxQuerier) *PgStore {
	return &PgStore{db: db}
}

const notificationColumns = `id, recipient_id, kind, title, body, appointment_id, read_at, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var kind string
	err := row.Scan(&n.ID, &n.RecipientID, &kind, &n.Title, &n.Body, &n.AppointmentID, &n.ReadAt, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	n.Kind = Kind(kind)
	return &n, nil
}

func (s *PgStore) Insert(ctx context.Context, n Notification) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, title, body, appointment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, n.ID, n.RecipientID, string(n.Kind), n.Title, n.Body, n.AppointmentID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PgStore) ListForRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE recipient_id = $1
		  AND ($2 = false OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, recipientID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	result := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkRead only succeeds for the notification's own recipient; anyone else
// sees ErrNotificationNotFound.
func (s *PgStore) MarkRead(ctx context.Context, id, recipientID uuid.UUID) (*Notification, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE notifications
		SET read_at = COALESCE(read_at, now())
		WHERE id = $1
		  AND recipient_id = $2
		RETURNING `+notificationColumns, id, recipientID)
	return scanNotification(row)
}

func (s *PgStore) Contact(ctx context.Context, userID uuid.UUID) (Contact, error) {
	c := Contact{UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT display_name, COALESCE(email, '')
		FROM users
		WHERE id = $1
	`, userID).Scan(&c.DisplayName, &c.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrContactNotFound
		}
		return Contact{}, fmt.Errorf("load contact: %w", err)
	}
	return c, nil
}

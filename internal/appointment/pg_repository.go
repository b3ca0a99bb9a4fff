package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/onsite-therapy-scheduling/internal/db"
)

// pgxPool is the subset of *pgxpool.Pool the repository uses.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool pgxPool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithPool(pool pgxPool) *PgRepository {
	return &PgRepository{pool: pool}
}

const (
	slotColumns = `id, therapist_id, service_menu_id, company_id, start_time, end_time, status, created_at, updated_at`

	appointmentColumns = `id, slot_id, company_id, requested_by, employee_user_id, employee_name, employee_code,
		symptoms, notes, status, rejection_reason, created_at, updated_at`

	detailSelect = `
		SELECT a.id, a.slot_id, a.company_id, a.requested_by, a.employee_user_id, a.employee_name, a.employee_code,
		       a.symptoms, a.notes, a.status, a.rejection_reason, a.created_at, a.updated_at,
		       s.id, s.therapist_id, s.service_menu_id, s.company_id, s.start_time, s.end_time, s.status, s.created_at, s.updated_at
		FROM appointments a
		JOIN slot_states s ON s.id = a.slot_id`

	activeStatuses = `('pending', 'approved')`
)

// Helpers

func (r *PgRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func slotDest(s *Slot, status *string) []any {
	return []any{
		&s.ID,
		&s.TherapistID,
		&s.ServiceMenuID,
		&s.CompanyID,
		&s.StartTime,
		&s.EndTime,
		status,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var status string

	if err := row.Scan(slotDest(&s, &status)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.Status = SlotStatus(status)
	return &s, nil
}

type appointmentRow struct {
	a              Appointment
	employeeUserID *uuid.UUID
	employeeName   *string
	employeeCode   *string
	status         string
}

func (ar *appointmentRow) dest() []any {
	return []any{
		&ar.a.ID,
		&ar.a.SlotID,
		&ar.a.CompanyID,
		&ar.a.RequestedBy,
		&ar.employeeUserID,
		&ar.employeeName,
		&ar.employeeCode,
		&ar.a.Symptoms,
		&ar.a.Notes,
		&ar.status,
		&ar.a.RejectionReason,
		&ar.a.CreatedAt,
		&ar.a.UpdatedAt,
	}
}

func (ar *appointmentRow) finish() Appointment {
	a := ar.a
	a.Status = AppointmentStatus(ar.status)
	switch {
	case ar.employeeUserID != nil:
		a.Employee = LinkedUser{UserID: *ar.employeeUserID}
	case ar.employeeName != nil:
		rec := ExternalRecord{Name: *ar.employeeName}
		if ar.employeeCode != nil {
			rec.Code = *ar.employeeCode
		}
		a.Employee = rec
	}
	if a.Symptoms == nil {
		a.Symptoms = []string{}
	}
	return a
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var ar appointmentRow

	if err := row.Scan(ar.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a := ar.finish()
	return &a, nil
}

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var ar appointmentRow
	var slot Slot
	var slotStatus string

	dest := append(ar.dest(), slotDest(&slot, &slotStatus)...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	slot.Status = SlotStatus(slotStatus)
	return &AppointmentDetail{Appointment: ar.finish(), Slot: slot}, nil
}

func collectDetails(rows pgx.Rows) ([]AppointmentDetail, error) {
	defer rows.Close()

	result := []AppointmentDetail{}
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func collectSlots(rows pgx.Rows) ([]Slot, error) {
	defer rows.Close()

	result := []Slot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func employeeColumnsOf(e Employee) (userID *uuid.UUID, name, code *string) {
	switch v := e.(type) {
	case LinkedUser:
		id := v.UserID
		return &id, nil, nil
	case ExternalRecord:
		n := v.Name
		name = &n
		if v.Code != "" {
			c := v.Code
			code = &c
		}
		return nil, name, code
	}
	return nil, nil, nil
}

// lockSlot takes the slot row lock and returns the row as locked.
func lockSlot(ctx context.Context, tx pgx.Tx, id uuid.UUID) (LockedSlot, error) {
	var ls LockedSlot
	err := tx.QueryRow(ctx, `
		SELECT start_time, end_time, company_id, withdrawn_at IS NOT NULL
		FROM slots
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&ls.StartTime, &ls.EndTime, &ls.CompanyID, &ls.Withdrawn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LockedSlot{}, ErrSlotNotFound
		}
		return LockedSlot{}, fmt.Errorf("lock slot: %w", err)
	}
	return ls, nil
}

// slotUsage counts the active and total appointments referencing a slot.
func slotUsage(ctx context.Context, tx pgx.Tx, id uuid.UUID) (active, total int64, err error) {
	err = tx.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE status IN `+activeStatuses+`), count(*)
		FROM appointments
		WHERE slot_id = $1
	`, id).Scan(&active, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("count slot appointments: %w", err)
	}
	return active, total, nil
}

// filterBuilder accumulates WHERE conditions with numbered placeholders.
type filterBuilder struct {
	conds []string
	args  []any
}

func (b *filterBuilder) add(cond string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(b.args))))
}

func (b *filterBuilder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func (b *filterBuilder) page(limit, offset int) string {
	b.args = append(b.args, limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(b.args)-1, len(b.args))
}

// Slots

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM slot_states WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error) {
	var b filterBuilder
	b.add("start_time >= ?", f.From)
	if f.TherapistID != nil {
		b.add("therapist_id = ?", *f.TherapistID)
	}
	if f.CompanyID != nil {
		b.add("(company_id IS NULL OR company_id = ?)", *f.CompanyID)
	}
	if f.OpenOnly {
		b.conds = append(b.conds, "company_id IS NULL")
	}
	if f.Status != nil {
		b.add("status = ?", string(*f.Status))
	}

	query := `SELECT ` + slotColumns + ` FROM slot_states` + b.where() + ` ORDER BY start_time, id` + b.page(f.Limit, f.Offset)
	rows, err := r.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return collectSlots(rows)
}

func (r *PgRepository) ListLiveSlotsBetween(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slot_states
		WHERE therapist_id = $1
		  AND status <> 'cancelled'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, therapistID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list therapist slots: %w", err)
	}
	return collectSlots(rows)
}

func (r *PgRepository) InsertSlot(ctx context.Context, ns NewSlot) (*Slot, error) {
	id := uuid.New()

	var createdAt time.Time
	err := r.pool.QueryRow(ctx, `
		INSERT INTO slots (id, therapist_id, service_menu_id, company_id, start_time, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING created_at
	`, id, ns.TherapistID, ns.ServiceMenuID, ns.CompanyID, ns.StartTime, ns.EndTime).Scan(&createdAt)
	if err != nil {
		if db.IsExclusionViolation(err, "slots_no_overlap") {
			return nil, ErrOverlappingSlot
		}
		return nil, fmt.Errorf("insert slot: %w", err)
	}

	return &Slot{
		ID:            id,
		TherapistID:   ns.TherapistID,
		ServiceMenuID: ns.ServiceMenuID,
		CompanyID:     ns.CompanyID,
		StartTime:     ns.StartTime,
		EndTime:       ns.EndTime,
		Status:        SlotAvailable,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}, nil
}

func (r *PgRepository) UpdateSlot(ctx context.Context, id uuid.UUID, ch SlotChanges) (*Slot, error) {
	var updated *Slot

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockSlot(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked.Withdrawn {
			return fmt.Errorf("%w: slot has been withdrawn", ErrSlotNotAvailable)
		}
		active, _, err := slotUsage(ctx, tx, id)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrSlotHasActiveAppointment
		}

		_, err = tx.Exec(ctx, `
			UPDATE slots
			SET service_menu_id = $2,
			    start_time = $3,
			    end_time = $4,
			    updated_at = now()
			WHERE id = $1
		`, id, ch.ServiceMenuID, ch.StartTime, ch.EndTime)
		if err != nil {
			if db.IsExclusionViolation(err, "slots_no_overlap") {
				return ErrOverlappingSlot
			}
			return fmt.Errorf("update slot: %w", err)
		}

		updated, err = scanSlot(tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slot_states WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) DeleteSlot(ctx context.Context, id uuid.UUID) (bool, error) {
	var withdrawnNow bool

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockSlot(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked.Withdrawn {
			return fmt.Errorf("%w: slot has already been withdrawn", ErrSlotNotAvailable)
		}
		active, total, err := slotUsage(ctx, tx, id)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrSlotHasActiveAppointment
		}

		if total > 0 {
			_, err = tx.Exec(ctx, `UPDATE slots SET withdrawn_at = now(), updated_at = now() WHERE id = $1`, id)
			if err != nil {
				return fmt.Errorf("withdraw slot: %w", err)
			}
			withdrawnNow = true
			return nil
		}

		if _, err = tx.Exec(ctx, `DELETE FROM slots WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete slot: %w", err)
		}
		return nil
	})
	return withdrawnNow, err
}

// Appointments

func (r *PgRepository) ReserveSlot(ctx context.Context, na NewAppointment, check SlotCheck) (*Appointment, error) {
	var created *Appointment

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockSlot(ctx, tx, na.SlotID)
		if err != nil {
			return err
		}
		if locked.Withdrawn {
			return fmt.Errorf("%w: slot has been withdrawn", ErrSlotNotAvailable)
		}
		if check != nil {
			if err := check(locked); err != nil {
				return err
			}
		}
		active, _, err := slotUsage(ctx, tx, na.SlotID)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: slot already has an active appointment", ErrSlotNotAvailable)
		}

		userID, name, code := employeeColumnsOf(na.Employee)
		symptoms := na.Symptoms
		if symptoms == nil {
			symptoms = []string{}
		}

		var createdAt time.Time
		err = tx.QueryRow(ctx, `
			INSERT INTO appointments (id, slot_id, company_id, requested_by, employee_user_id, employee_name, employee_code,
			                          symptoms, notes, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
			RETURNING created_at
		`, na.ID, na.SlotID, na.CompanyID, na.RequestedBy, userID, name, code,
			symptoms, na.Notes, string(na.Status)).Scan(&createdAt)
		if err != nil {
			if db.IsUniqueViolation(err, "appointments_one_active_per_slot") {
				return fmt.Errorf("%w: slot already has an active appointment", ErrSlotNotAvailable)
			}
			return fmt.Errorf("insert appointment: %w", err)
		}

		created = &Appointment{
			ID:          na.ID,
			SlotID:      na.SlotID,
			CompanyID:   na.CompanyID,
			RequestedBy: na.RequestedBy,
			Employee:    na.Employee,
			Symptoms:    symptoms,
			Notes:       na.Notes,
			Status:      na.Status,
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.pool.QueryRow(ctx, detailSelect+` WHERE a.id = $1`, id)
	return scanDetail(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]AppointmentDetail, error) {
	var b filterBuilder
	if f.TherapistID != nil {
		b.add("s.therapist_id = ?", *f.TherapistID)
	}
	if f.CompanyID != nil {
		b.add("a.company_id = ?", *f.CompanyID)
	}
	if f.EmployeeUserID != nil {
		b.add("a.employee_user_id = ?", *f.EmployeeUserID)
	}
	if f.Status != nil {
		b.add("a.status = ?", string(*f.Status))
	}

	query := detailSelect + b.where() + ` ORDER BY s.start_time DESC, a.id` + b.page(f.Limit, f.Offset)
	rows, err := r.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectDetails(rows)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    rejection_reason = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, string(to), string(from), reason)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("%w: appointment %s is no longer %s", ErrIllegalStatusTransition, id, from)
	}
	return a, err
}

func (r *PgRepository) FindApprovedStartingBetween(ctx context.Context, from, to time.Time) ([]AppointmentDetail, error) {
	rows, err := r.pool.Query(ctx, detailSelect+`
		WHERE a.status = 'approved'
		  AND s.start_time >= $1
		  AND s.start_time < $2
		ORDER BY s.start_time
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("find approved appointments: %w", err)
	}
	return collectDetails(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

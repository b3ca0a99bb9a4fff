package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
)

type CreateSlotRequest struct {
	TherapistID   *uuid.UUID `json:"therapist_id,omitempty"`
	ServiceMenuID uuid.UUID  `json:"service_menu_id"`
	CompanyID     *uuid.UUID `json:"company_id,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
}

type UpdateSlotRequest struct {
	ServiceMenuID *uuid.UUID `json:"service_menu_id,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
}

// ReserveRequest names the employee either by account (employee_user_id) or
// by the company's own record (employee_name plus optional employee_code).
type ReserveRequest struct {
	SlotID         uuid.UUID  `json:"slot_id"`
	CompanyID      *uuid.UUID `json:"company_id,omitempty"`
	EmployeeUserID *uuid.UUID `json:"employee_user_id,omitempty"`
	EmployeeName   string     `json:"employee_name,omitempty"`
	EmployeeCode   string     `json:"employee_code,omitempty"`
	Symptoms       []string   `json:"symptoms"`
	Notes          string     `json:"notes,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type SlotResponse struct {
	ID            uuid.UUID  `json:"id"`
	TherapistID   uuid.UUID  `json:"therapist_id"`
	ServiceMenuID uuid.UUID  `json:"service_menu_id"`
	CompanyID     *uuid.UUID `json:"company_id,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
}

type DeleteSlotResponse struct {
	ID        uuid.UUID `json:"id"`
	Withdrawn bool      `json:"withdrawn"`
}

type AppointmentResponse struct {
	ID              uuid.UUID     `json:"id"`
	SlotID          uuid.UUID     `json:"slot_id"`
	CompanyID       uuid.UUID     `json:"company_id"`
	RequestedBy     uuid.UUID     `json:"requested_by"`
	EmployeeUserID  *uuid.UUID    `json:"employee_user_id,omitempty"`
	EmployeeName    string        `json:"employee_name,omitempty"`
	EmployeeCode    string        `json:"employee_code,omitempty"`
	Symptoms        []string      `json:"symptoms"`
	Notes           string        `json:"notes,omitempty"`
	Status          string        `json:"status"`
	RejectionReason *string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Slot            *SlotResponse `json:"slot,omitempty"`
}

type TransitionsResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Transitions   []string  `json:"transitions"`
}

type NotificationResponse struct {
	ID            uuid.UUID  `json:"id"`
	Kind          string     `json:"kind"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

func (req ReserveRequest) employee() appointment.Employee {
	if req.EmployeeUserID != nil {
		return appointment.LinkedUser{UserID: *req.EmployeeUserID}
	}
	return appointment.ExternalRecord{Name: req.EmployeeName, Code: req.EmployeeCode}
}

func toSlotResponse(s *appointment.Slot) SlotResponse {
	return SlotResponse{
		ID:            s.ID,
		TherapistID:   s.TherapistID,
		ServiceMenuID: s.ServiceMenuID,
		CompanyID:     s.CompanyID,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		Status:        string(s.Status),
	}
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		SlotID:          a.SlotID,
		CompanyID:       a.CompanyID,
		RequestedBy:     a.RequestedBy,
		Symptoms:        a.Symptoms,
		Notes:           a.Notes,
		Status:          string(a.Status),
		RejectionReason: a.RejectionReason,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
	switch e := a.Employee.(type) {
	case appointment.LinkedUser:
		id := e.UserID
		resp.EmployeeUserID = &id
	case appointment.ExternalRecord:
		resp.EmployeeName = e.Name
		resp.EmployeeCode = e.Code
	}
	if resp.Symptoms == nil {
		resp.Symptoms = []string{}
	}
	return resp
}

func toDetailResponse(d *appointment.AppointmentDetail) AppointmentResponse {
	resp := toAppointmentResponse(&d.Appointment)
	slot := toSlotResponse(&d.Slot)
	resp.Slot = &slot
	return resp
}

func toNotificationResponse(n *notify.Notification) NotificationResponse {
	return NotificationResponse{
		ID:            n.ID,
		Kind:          string(n.Kind),
		Title:         n.Title,
		Body:          n.Body,
		AppointmentID: n.AppointmentID,
		ReadAt:        n.ReadAt,
		CreatedAt:     n.CreatedAt,
	}
}

package appointment

import (
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleTherapist   Role = "therapist"
	RoleCompanyUser Role = "company_user"
	RoleEmployee    Role = "employee"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTherapist, RoleCompanyUser, RoleEmployee:
		return true
	}
	return false
}

// Actor is the authenticated caller as supplied by the identity provider.
type Actor struct {
	UserID    uuid.UUID
	Role      Role
	CompanyID *uuid.UUID
}

type Action string

const (
	ActionManageSlot Action = "manage_slot"
	ActionReserve    Action = "reserve"
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionCancel     Action = "cancel"
	ActionComplete   Action = "complete"
	ActionView       Action = "view"
)

// Resource carries the ownership facts a grant may depend on.
type Resource struct {
	TherapistID    uuid.UUID
	CompanyID      uuid.UUID
	RequestedBy    uuid.UUID
	EmployeeUserID *uuid.UUID
}

type relation int

const (
	relAny relation = iota
	relSlotOwner
	relSameCompany
	relRequester
	relLinkedEmployee
)

const anyRole Role = "*"

type grant struct {
	role Role
	rel  relation
}

var policy = map[Action][]grant{
	ActionManageSlot: {{RoleAdmin, relAny}, {RoleTherapist, relSlotOwner}},
	ActionReserve:    {{RoleAdmin, relAny}, {RoleCompanyUser, relSameCompany}},
	ActionApprove:    {{RoleAdmin, relAny}, {RoleTherapist, relSlotOwner}},
	ActionReject:     {{RoleAdmin, relAny}, {RoleTherapist, relSlotOwner}},
	ActionCancel:     {{RoleAdmin, relAny}, {anyRole, relRequester}, {RoleCompanyUser, relSameCompany}},
	ActionComplete:   {{RoleAdmin, relAny}, {RoleTherapist, relSlotOwner}},
	ActionView: {
		{RoleAdmin, relAny},
		{RoleTherapist, relSlotOwner},
		{RoleCompanyUser, relSameCompany},
		{anyRole, relRequester},
		{RoleEmployee, relLinkedEmployee},
	},
}

// Authorize returns ErrForbidden unless some grant for action matches the actor.
func Authorize(actor Actor, action Action, res Resource) error {
	for _, g := range policy[action] {
		if g.role != anyRole && g.role != actor.Role {
			continue
		}
		if g.rel.holds(actor, res) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s", ErrForbidden, actor.Role, action)
}

func (rel relation) holds(actor Actor, res Resource) bool {
	switch rel {
	case relAny:
		return true
	case relSlotOwner:
		return actor.UserID == res.TherapistID
	case relSameCompany:
		return actor.CompanyID != nil && *actor.CompanyID == res.CompanyID
	case relRequester:
		return actor.UserID == res.RequestedBy
	case relLinkedEmployee:
		return res.EmployeeUserID != nil && *res.EmployeeUserID == actor.UserID
	}
	return false
}

func resourceOf(d *AppointmentDetail) Resource {
	return Resource{
		TherapistID:    d.Slot.TherapistID,
		CompanyID:      d.CompanyID,
		RequestedBy:    d.RequestedBy,
		EmployeeUserID: d.LinkedEmployeeID(),
	}
}

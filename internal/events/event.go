// Package events carries state-change notifications between core components.
//
// Producers publish fully-formed events; the bus owns room fan-out, ordering
// and retry. Events are immutable once published — only delivery bookkeeping
// changes afterwards.
package events

import (
	"errors"
	"fmt"
	"time"
)

type Category string

const (
	CategoryCall        Category = "call"
	CategoryAgent       Category = "agent"
	CategoryCampaign    Category = "campaign"
	CategoryQueue       Category = "queue"
	CategorySystem      Category = "system"
	CategoryKPI         Category = "kpi"
	CategoryFlow        Category = "flow"
	CategoryDisposition Category = "disposition"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryCompleted  DeliveryStatus = "completed"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryRetrying   DeliveryStatus = "retrying"
)

// Well-known event type tags. The set is open; components may publish
// additional tags under their category.
const (
	TypeCallStateChanged  = "call.state_changed"
	TypeCallDisposed      = "call.disposed"
	TypeCallFailed        = "call.failed"
	TypeQueueEnqueued     = "queue.enqueued"
	TypeQueueClaimed      = "queue.claimed"
	TypeQueueDialing      = "queue.dialing"
	TypeQueueReleased     = "queue.released"
	TypeQueueCompleted    = "queue.completed"
	TypeQueueOverflow     = "queue.overflow"
	TypeAgentStatus       = "agent.status_changed"
	TypeAgentAvailability = "agent.available_count"
	TypeFlowStarted       = "flow.started"
	TypeFlowStepDone      = "flow.step_finished"
	TypeFlowCompleted     = "flow.completed"
	TypeFlowFailed        = "flow.failed"
	TypeFlowCancelled     = "flow.cancelled"
	TypeSystemAlert       = "system.alert"
	TypeDispositionSet    = "disposition.recorded"
)

// Room addressing grammar. Subscribers filter on these literal keys.
const (
	RoomAdmin  = "admin"
	RoomGlobal = "global"
)

func RoomOrganization(id string) string { return "organization:" + id }
func RoomCampaign(id string) string     { return "campaign:" + id }
func RoomAgent(id string) string        { return "agent:" + id }
func RoomUser(id string) string         { return "user:" + id }

// Payload is the typed core of an event. One concrete payload type exists per
// category; the state machine never depends on Metadata, which exists for
// forward-compatible extension fields only.
type Payload interface {
	EventCategory() Category
}

type CallPayload struct {
	State         string `json:"state"`
	PreviousState string `json:"previous_state,omitempty"`
	Direction     string `json:"direction,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
}

func (CallPayload) EventCategory() Category { return CategoryCall }

type AgentPayload struct {
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
	AvailableCount int    `json:"available_count,omitempty"`
}

func (AgentPayload) EventCategory() Category { return CategoryAgent }

type CampaignPayload struct {
	Detail string `json:"detail,omitempty"`
}

func (CampaignPayload) EventCategory() Category { return CategoryCampaign }

type QueuePayload struct {
	EntryID   string `json:"entry_id"`
	ContactID string `json:"contact_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Depth     int    `json:"depth,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (QueuePayload) EventCategory() Category { return CategoryQueue }

type SystemPayload struct {
	Alert  string `json:"alert"`
	Detail string `json:"detail,omitempty"`
}

func (SystemPayload) EventCategory() Category { return CategorySystem }

type KPIPayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func (KPIPayload) EventCategory() Category { return CategoryKPI }

type FlowPayload struct {
	ExecutionID string `json:"execution_id"`
	FlowID      string `json:"flow_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (FlowPayload) EventCategory() Category { return CategoryFlow }

type DispositionPayload struct {
	Code string `json:"code"`
	Band string `json:"band,omitempty"`
}

func (DispositionPayload) EventCategory() Category { return CategoryDisposition }

// Event is the unit published on the bus.
//
// Correlation ids are flat fields, not metadata: routing and validation
// depend on them. Rooms are computed at publish time from the correlation
// ids plus any explicit extra rooms.
type Event struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Type      string    `json:"type"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`

	OrgID      string `json:"org_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`

	Rooms []string `json:"rooms,omitempty"`

	Payload  Payload        `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

var ErrValidation = errors.New("events: validation failed")

// Validate checks the shape requirements before the bus accepts an event.
// Each category demands the correlation id its subscribers route on.
func (e *Event) Validate() error {
	if e.Category == "" {
		return fmt.Errorf("%w: category is required", ErrValidation)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrValidation)
	}
	switch e.Category {
	case CategoryCall, CategoryDisposition:
		if e.CallID == "" {
			return fmt.Errorf("%w: call_id is required for %s events", ErrValidation, e.Category)
		}
	case CategoryAgent:
		if e.AgentID == "" {
			return fmt.Errorf("%w: agent_id is required for agent events", ErrValidation)
		}
	case CategoryCampaign, CategoryQueue:
		if e.CampaignID == "" {
			return fmt.Errorf("%w: campaign_id is required for %s events", ErrValidation, e.Category)
		}
	case CategoryFlow:
		if e.CallID == "" {
			return fmt.Errorf("%w: call_id is required for flow events", ErrValidation)
		}
	case CategorySystem, CategoryKPI:
		// no correlation id required
	default:
		return fmt.Errorf("%w: unknown category %q", ErrValidation, e.Category)
	}
	if e.Payload != nil && e.Payload.EventCategory() != e.Category {
		return fmt.Errorf("%w: payload category %q does not match event category %q",
			ErrValidation, e.Payload.EventCategory(), e.Category)
	}
	return nil
}

// computeRooms derives the target rooms from correlation ids. Explicit rooms
// set by the caller are preserved; critical and system traffic additionally
// lands in the admin room.
func (e *Event) computeRooms() []string {
	seen := make(map[string]struct{}, len(e.Rooms)+5)
	out := make([]string, 0, len(e.Rooms)+5)
	add := func(r string) {
		if r == "" {
			return
		}
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	for _, r := range e.Rooms {
		add(r)
	}
	if e.OrgID != "" {
		add(RoomOrganization(e.OrgID))
	}
	if e.CampaignID != "" {
		add(RoomCampaign(e.CampaignID))
	}
	if e.AgentID != "" {
		add(RoomAgent(e.AgentID))
	}
	if e.UserID != "" {
		add(RoomUser(e.UserID))
	}
	if e.Priority == PriorityCritical || e.Category == CategorySystem {
		add(RoomAdmin)
	}
	add(RoomGlobal)
	return out
}

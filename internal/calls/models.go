package calls

import "time"

type State string

const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateOnHold    State = "on_hold"
	StateEnded     State = "ended"
	StateDisposed  State = "disposed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool { return s == StateDisposed || s == StateFailed }

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// End reasons. All ways a live call stops are normalized into the ended
// transition; Reason records which one occurred.
const (
	ReasonAgentHangup          = "agent_hangup"
	ReasonRemoteHangup         = "remote_hangup"
	ReasonNetworkError         = "network_error"
	ReasonSetupTimeout         = "setup_timeout"
	ReasonTransportUnavailable = "transport_unavailable"
	ReasonCarrierFailed        = "carrier_failed"
)

// Call is the persisted record of one conversation attempt.
//
// Muted is an orthogonal flag; it never changes State. Duration accounting is
// wall-clock ConnectedAt to EndedAt, independent of hold.
type Call struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"org_id"`
	AgentID         string    `json:"agent_id"`
	CampaignID      string    `json:"campaign_id"`
	ContactID       string    `json:"contact_id"`
	ContactNumber   string    `json:"contact_number"`
	QueueEntryID    string    `json:"queue_entry_id,omitempty"`
	FlowExecutionID string    `json:"flow_execution_id,omitempty"`
	Direction       Direction `json:"direction"`

	State  State  `json:"state"`
	Muted  bool   `json:"muted"`
	Reason string `json:"reason,omitempty"`

	Outcome string `json:"outcome,omitempty"`
	Notes   string `json:"notes,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Duration is the talk time. Zero until the call both connected and ended.
func (c Call) Duration() time.Duration {
	if c.ConnectedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.ConnectedAt)
}

package telephony

import (
	"context"
	"errors"
	"time"
)

// Driver is the provider-agnostic command surface toward the telephony
// transport. The orchestration core never touches media or wire formats;
// it issues commands here and reacts to Signals coming back.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic.
type Driver interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// Originate starts an outbound leg toward contactNumber on behalf of an
	// agent and returns the provider call identifier.
	Originate(ctx context.Context, contactNumber, agentID string) (string, error)

	Hold(ctx context.Context, callID string) error
	Unhold(ctx context.Context, callID string) error
	Transfer(ctx context.Context, callID, target string) error
	Hangup(ctx context.Context, callID string) error
}

// ErrTransportUnavailable indicates the telephony collaborator is
// unreachable. Callers move the affected call to failed rather than leaving
// it ownerless.
var ErrTransportUnavailable = errors.New("telephony: transport unavailable")

type SignalKind string

const (
	SignalAnswered     SignalKind = "answered"
	SignalHangup       SignalKind = "hangup"
	SignalFailed       SignalKind = "failed"
	SignalNetworkError SignalKind = "network_error"
)

type PartyRole string

const (
	PartyAgent  PartyRole = "agent"
	PartyRemote PartyRole = "remote"
)

// Signal is an authoritative notification from the transport about one call.
// The core trusts these over any UI-reported state.
type Signal struct {
	Kind      SignalKind `json:"signal"`
	CallID    string     `json:"call_id"`
	PartyRole PartyRole  `json:"party_role"`
	Timestamp time.Time  `json:"timestamp"`
}

func (s Signal) Validate() error {
	switch s.Kind {
	case SignalAnswered, SignalHangup, SignalFailed, SignalNetworkError:
	default:
		return errors.New("telephony: unknown signal kind")
	}
	if s.CallID == "" {
		return errors.New("telephony: call_id is required")
	}
	return nil
}

package telephony

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeDriver is an in-memory Driver for tests and local development. It
// records issued commands and lets tests force transport failures.
type FakeDriver struct {
	mu sync.Mutex

	// Fail, when set, makes every command return ErrTransportUnavailable.
	Fail bool

	Originated []OriginateCommand
	Held       []string
	Unheld     []string
	Transfers  map[string]string
	HungUp     []string
}

type OriginateCommand struct {
	CallID        string
	ContactNumber string
	AgentID       string
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{Transfers: make(map[string]string)}
}

func (d *FakeDriver) Name() string { return "fake" }

func (d *FakeDriver) HealthCheck(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail {
		return ErrTransportUnavailable
	}
	return nil
}

func (d *FakeDriver) Originate(_ context.Context, contactNumber, agentID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail {
		return "", fmt.Errorf("originate %s: %w", contactNumber, ErrTransportUnavailable)
	}
	id := uuid.NewString()
	d.Originated = append(d.Originated, OriginateCommand{CallID: id, ContactNumber: contactNumber, AgentID: agentID})
	return id, nil
}

func (d *FakeDriver) Hold(_ context.Context, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail {
		return ErrTransportUnavailable
	}
	d.Held = append(d.Held, callID)
	return nil
}

func (d *FakeDriver) Unhold(_ context.Context, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail {
		return ErrTransportUnavailable
	}
	d.Unheld = append(d.Unheld, callID)
	return nil
}

func (d *FakeDriver) Transfer(_ context.Context, callID, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail {
		return ErrTransportUnavailable
	}
	d.Transfers[callID] = target
	return nil
}

func (d *FakeDriver) Hangup(_ context.Context, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail {
		return ErrTransportUnavailable
	}
	d.HungUp = append(d.HungUp, callID)
	return nil
}

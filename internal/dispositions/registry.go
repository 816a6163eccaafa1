// Package dispositions holds the centrally-registered set of call outcome
// codes. The set is open: organizations register their own codes, grouped
// into three bands for reporting.
package dispositions

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

type Band string

const (
	BandNegative Band = "negative"
	BandNeutral  Band = "neutral"
	BandPositive Band = "positive"
)

// System outcome codes. These are auto-assigned by the call state machine;
// agents never select them.
const (
	CodeSystemFailure = "system_failure"
)

// Outcome describes one registered code and the fields it requires.
type Outcome struct {
	Code                 string `json:"code"`
	Label                string `json:"label"`
	Band                 Band   `json:"band"`
	RequiresNotes        bool   `json:"requires_notes"`
	RequiresConfirmation bool   `json:"requires_confirmation"`

	// System outcomes are reserved for automatic assignment.
	System bool `json:"system"`
}

var (
	ErrValidation = errors.New("dispositions: validation failed")
	ErrConflict   = errors.New("dispositions: code already registered")
	ErrNotFound   = errors.New("dispositions: code not registered")
)

// Registry is the lookup set of valid outcome codes.
type Registry struct {
	mu    sync.RWMutex
	codes map[string]Outcome
}

// NewRegistry returns a registry seeded with the standard outcome set.
func NewRegistry() *Registry {
	r := &Registry{codes: make(map[string]Outcome)}
	for _, o := range defaultOutcomes() {
		r.codes[o.Code] = o
	}
	return r
}

func defaultOutcomes() []Outcome {
	return []Outcome{
		{Code: "sale_made", Label: "Sale Made", Band: BandPositive},
		{Code: "callback_scheduled", Label: "Callback Scheduled", Band: BandPositive, RequiresNotes: true},
		{Code: "interested", Label: "Interested", Band: BandPositive},
		{Code: "no_answer", Label: "No Answer", Band: BandNeutral},
		{Code: "busy", Label: "Busy", Band: BandNeutral},
		{Code: "voicemail", Label: "Voicemail", Band: BandNeutral},
		{Code: "wrong_number", Label: "Wrong Number", Band: BandNeutral, RequiresNotes: true},
		{Code: "not_interested", Label: "Not Interested", Band: BandNegative},
		{Code: "do_not_call", Label: "Do Not Call", Band: BandNegative, RequiresConfirmation: true},
		{Code: CodeSystemFailure, Label: "System Failure", Band: BandNegative, System: true},
	}
}

// Register adds a new outcome code. Fails with ErrConflict if the code exists.
func (r *Registry) Register(o Outcome) error {
	if o.Code == "" {
		return fmt.Errorf("%w: code is required", ErrValidation)
	}
	switch o.Band {
	case BandNegative, BandNeutral, BandPositive:
	default:
		return fmt.Errorf("%w: band must be negative, neutral or positive, got %q", ErrValidation, o.Band)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codes[o.Code]; ok {
		return fmt.Errorf("%w: %s", ErrConflict, o.Code)
	}
	r.codes[o.Code] = o
	return nil
}

// Lookup returns the outcome for a code.
func (r *Registry) Lookup(code string) (Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.codes[code]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	return o, nil
}

// Validate checks a disposition against the registry: the code must exist,
// must not be reserved for the system, and its required fields must be
// present. Server-side enforcement — never assumed from UI state.
func (r *Registry) Validate(code, notes string, confirmed bool) (Outcome, error) {
	o, err := r.Lookup(code)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: unknown outcome code %q", ErrValidation, code)
	}
	if o.System {
		return Outcome{}, fmt.Errorf("%w: outcome code %q is system-assigned", ErrValidation, code)
	}
	if o.RequiresNotes && notes == "" {
		return Outcome{}, fmt.Errorf("%w: outcome code %q requires notes", ErrValidation, code)
	}
	if o.RequiresConfirmation && !confirmed {
		return Outcome{}, fmt.Errorf("%w: outcome code %q requires confirmation", ErrValidation, code)
	}
	return o, nil
}

// ListByBand returns registered outcomes in one band, sorted by code.
// Reporting consumers group on bands, not individual codes.
func (r *Registry) ListByBand(b Band) []Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Outcome
	for _, o := range r.codes {
		if o.Band == b {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// All returns every registered outcome, sorted by code.
func (r *Registry) All() []Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Outcome, 0, len(r.codes))
	for _, o := range r.codes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

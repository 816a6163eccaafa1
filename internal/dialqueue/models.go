package dialqueue

import "time"

type EntryStatus string

const (
	StatusQueued    EntryStatus = "queued"
	StatusClaimed   EntryStatus = "claimed"
	StatusDialing   EntryStatus = "dialing"
	StatusCompleted EntryStatus = "completed"
	StatusReleased  EntryStatus = "released"
)

// Terminal reports whether the status permanently retires the entry.
// Completed is the normal retirement; released marks a contact removed from
// the list. A release back to the queue is a transition to queued, not a
// terminal status.
func (s EntryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusReleased
}

// Entry is one contact's pending-to-be-called record within a campaign.
//
// Identity invariant: at most one entry per (campaign, contact) may be in a
// non-terminal status at a time.
type Entry struct {
	ID            string      `json:"id"`
	CampaignID    string      `json:"campaign_id"`
	ContactID     string      `json:"contact_id"`
	ContactNumber string      `json:"contact_number"`
	Status        EntryStatus `json:"status"`
	ClaimedBy     string      `json:"claimed_by,omitempty"`
	Outcome       string      `json:"outcome,omitempty"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
	ClaimedAt     *time.Time  `json:"claimed_at,omitempty"`
}

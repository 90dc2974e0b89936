// Package rotation keeps, per terminal, the ring of on-duty couriers and a
// pointer to the courier who accepted the last offer.
package rotation

import (
	"errors"
	"slices"
	"time"
)

var ErrCourierNotInRotation = errors.New("courier not in rotation")

type Entry struct {
	CourierID string    `json:"courier_id"`
	JoinedAt  time.Time `json:"joined_at"`
	// LastAssignedAt is zero until the courier accepts an offer.
	LastAssignedAt time.Time `json:"last_assigned_at"`
}

// Ring is a terminal's rotation. Entries are kept in join order. Last is
// either empty or the id of an entry in Entries.
type Ring struct {
	TerminalID string  `json:"terminal_id"`
	Entries    []Entry `json:"entries"`
	Last       string  `json:"last"`
}

func (r *Ring) index(courierID string) int {
	return slices.IndexFunc(r.Entries, func(e Entry) bool { return e.CourierID == courierID })
}

func (r *Ring) Contains(courierID string) bool {
	return r.index(courierID) >= 0
}

// Push appends the courier at the tail. It reports false if already present.
func (r *Ring) Push(courierID string, at time.Time) bool {
	if r.Contains(courierID) {
		return false
	}
	r.Entries = append(r.Entries, Entry{CourierID: courierID, JoinedAt: at})
	return true
}

// SetLast moves the pointer to courierID. The ring is unchanged if the courier
// is not a member.
func (r *Ring) SetLast(courierID string, at time.Time) error {
	i := r.index(courierID)
	if i < 0 {
		return ErrCourierNotInRotation
	}
	r.Last = courierID
	r.Entries[i].LastAssignedAt = at
	return nil
}

// Remove drops the courier. If the pointer was on it, the pointer moves to
// its predecessor so the next round still starts at the removed courier's
// successor.
func (r *Ring) Remove(courierID string) bool {
	i := r.index(courierID)
	if i < 0 {
		return false
	}
	r.Entries = slices.Delete(r.Entries, i, i+1)

	if r.Last != courierID {
		return true
	}
	if len(r.Entries) == 0 {
		r.Last = ""
		return true
	}
	prev := i - 1
	if prev < 0 {
		prev = len(r.Entries) - 1
	}
	r.Last = r.Entries[prev].CourierID
	return true
}

func (r Ring) Clone() Ring {
	r.Entries = slices.Clone(r.Entries)
	return r
}

func (r Ring) valid() bool {
	return r.Last == "" || r.Contains(r.Last)
}

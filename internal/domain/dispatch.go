package domain

import (
	"fmt"
	"time"
)

type DispatchState string

const (
	DispatchNeedsCourier       DispatchState = "needs_courier"
	DispatchCandidatesNotified DispatchState = "candidates_notified"
	DispatchAssigned           DispatchState = "assigned"
	DispatchEscalated          DispatchState = "escalated"
	DispatchCancelled          DispatchState = "cancelled"
)

func (s DispatchState) Valid() bool {
	switch s {
	case DispatchNeedsCourier, DispatchCandidatesNotified, DispatchAssigned, DispatchEscalated, DispatchCancelled:
		return true
	}
	return false
}

// Open states are the ones where the order is still looking for a courier.
func (s DispatchState) Open() bool {
	return s == DispatchNeedsCourier || s == DispatchCandidatesNotified
}

var transitions = map[DispatchState][]DispatchState{
	DispatchNeedsCourier: {
		DispatchCandidatesNotified, DispatchAssigned, DispatchEscalated, DispatchCancelled,
	},
	DispatchCandidatesNotified: {
		DispatchNeedsCourier, DispatchAssigned, DispatchEscalated, DispatchCancelled,
	},
	DispatchAssigned: {
		DispatchAssigned, DispatchNeedsCourier, DispatchCancelled,
	},
	DispatchEscalated: {
		DispatchNeedsCourier, DispatchAssigned, DispatchCancelled,
	},
	DispatchCancelled: nil,
}

// CanTransition reports whether from -> to is an edge of the dispatch state machine.
// candidates_notified -> needs_courier is a scheduled re-check of an empty offer
// round; assigned -> assigned is a manual reassignment.
func CanTransition(from, to DispatchState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dispatch is the persisted dispatch progress of one order. Version increases on
// every transition and is the guard for conditional updates.
type Dispatch struct {
	OrderID           string
	State             DispatchState
	Version           int64
	CourierID         string
	Rechecks          int
	CandidateCount    int
	ExcludedCourierID string
	// NotifiedAt is the last time candidates were looked up, nil if never.
	NotifiedAt *time.Time
	// OpenedAt is when the current search for a courier began.
	OpenedAt       time.Time
	StateChangedAt time.Time
}

// Transition is a conditional update: it applies only while the row still has
// ExpectedVersion.
type Transition struct {
	OrderID           string
	ExpectedVersion   int64
	From              DispatchState
	To                DispatchState
	CourierID         string
	Rechecks          int
	CandidateCount    int
	ExcludedCourierID string
	NotifiedAt        *time.Time
	OpenedAt          time.Time
	At                time.Time
}

func (t Transition) Validate() error {
	if t.OrderID == "" {
		return fmt.Errorf("transition: missing order id")
	}
	if !t.To.Valid() {
		return fmt.Errorf("transition: invalid target state %q", t.To)
	}
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("transition: %s -> %s is not allowed", t.From, t.To)
	}
	return nil
}

// Next builds the transition from d to state `to`, carrying d's bookkeeping along.
func (d Dispatch) Next(to DispatchState, at time.Time) Transition {
	return Transition{
		OrderID:           d.OrderID,
		ExpectedVersion:   d.Version,
		From:              d.State,
		To:                to,
		CourierID:         d.CourierID,
		Rechecks:          d.Rechecks,
		CandidateCount:    d.CandidateCount,
		ExcludedCourierID: d.ExcludedCourierID,
		NotifiedAt:        d.NotifiedAt,
		OpenedAt:          d.OpenedAt,
		At:                at,
	}
}

// Reopen turns t into the start of a fresh search for a courier.
func (t Transition) Reopen(excluded string) Transition {
	t.To = DispatchNeedsCourier
	t.CourierID = ""
	t.Rechecks = 0
	t.CandidateCount = 0
	t.ExcludedCourierID = excluded
	t.NotifiedAt = nil
	t.OpenedAt = t.At
	return t
}

// NewDispatch is the row created the first time an order is seen.
func NewDispatch(orderID string, at time.Time) Dispatch {
	return Dispatch{
		OrderID:        orderID,
		State:          DispatchNeedsCourier,
		OpenedAt:       at,
		StateChangedAt: at,
	}
}

// Apply returns the dispatch row as it looks after t has been applied.
func (d Dispatch) Apply(t Transition) Dispatch {
	d.State = t.To
	d.Version++
	d.CourierID = t.CourierID
	d.Rechecks = t.Rechecks
	d.CandidateCount = t.CandidateCount
	d.ExcludedCourierID = t.ExcludedCourierID
	d.NotifiedAt = t.NotifiedAt
	d.OpenedAt = t.OpenedAt
	if t.From != t.To {
		d.StateChangedAt = t.At
	}
	return d
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferVoided   OfferStatus = "voided"
)

package rotation

import (
	"fmt"
	"slices"
)

// Policy orders a ring's couriers for the next offer.
type Policy interface {
	Name() string
	Order(r Ring) []Entry
}

func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", RoundRobin{}.Name():
		return RoundRobin{}, nil
	case LeastRecentlyAssigned{}.Name():
		return LeastRecentlyAssigned{}, nil
	}
	return nil, fmt.Errorf("unknown rotation policy %q", name)
}

// RoundRobin starts just after the last-assigned courier and wraps around.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "round_robin" }

func (RoundRobin) Order(r Ring) []Entry {
	start := 0
	if r.Last != "" {
		if i := r.index(r.Last); i >= 0 {
			start = i + 1
		}
	}

	out := make([]Entry, 0, len(r.Entries))
	for k := range r.Entries {
		out = append(out, r.Entries[(start+k)%len(r.Entries)])
	}
	return out
}

// LeastRecentlyAssigned puts couriers who never accepted first, then the
// oldest assignment first. Ties keep join order.
type LeastRecentlyAssigned struct{}

func (LeastRecentlyAssigned) Name() string { return "least_recently_assigned" }

func (LeastRecentlyAssigned) Order(r Ring) []Entry {
	out := slices.Clone(r.Entries)
	slices.SortStableFunc(out, func(a, b Entry) int {
		return a.LastAssignedAt.Compare(b.LastAssignedAt)
	})
	return out
}

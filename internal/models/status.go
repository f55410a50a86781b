package models

import "fmt"

// Status is the lifecycle state of an emergency request.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAccepted          Status = "accepted"
	StatusStartedJourney    Status = "started_journey"
	StatusOnTheWay          Status = "on_the_way"
	StatusAlmostThere       Status = "almost_there"
	StatusLookingForPatient Status = "looking_for_patient"
	StatusReceivedPatient   Status = "received_patient"
	StatusDroppingOff       Status = "dropping_off"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

// forward holds the required order of a ride; cancelled sits outside it.
var forward = []Status{
	StatusPending,
	StatusAccepted,
	StatusStartedJourney,
	StatusOnTheWay,
	StatusAlmostThere,
	StatusLookingForPatient,
	StatusReceivedPatient,
	StatusDroppingOff,
	StatusCompleted,
}

var rank = func() map[Status]int {
	m := make(map[Status]int, len(forward)+1)
	for i, s := range forward {
		m[s] = i
	}
	m[StatusCancelled] = len(forward)
	return m
}()

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := rank[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Rank is the position of s in the forward order.
func (s Status) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// Next returns the state following s, or false for terminal states.
func (s Status) Next() (Status, bool) {
	if s.Terminal() || !s.Valid() {
		return "", false
	}
	return forward[rank[s]+1], true
}

// ForwardStatuses returns the ordered ride states, pending first.
func ForwardStatuses() []Status {
	out := make([]Status, len(forward))
	copy(out, forward)
	return out
}

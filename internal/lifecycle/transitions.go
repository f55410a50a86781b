package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	ErrIllegalTransition = errors.New("lifecycle: illegal transition")
	ErrNotTracked        = errors.New("lifecycle: request not tracked")
	ErrWrongRole         = errors.New("lifecycle: not allowed for this role")
	ErrNotAssigned       = errors.New("lifecycle: sender is not the assigned driver")
)

// transitions lists every state reachable from each state. Forward steps go
// one at a time; completed is reachable from any accepted state and
// cancelled from any non-terminal one. Terminal states have no exits. The
// shortcut to completed is only honoured for relayed updates; a driver's
// own SetStatus takes single steps.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:           {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:          {models.StatusStartedJourney, models.StatusCompleted, models.StatusCancelled},
	models.StatusStartedJourney:    {models.StatusOnTheWay, models.StatusCompleted, models.StatusCancelled},
	models.StatusOnTheWay:          {models.StatusAlmostThere, models.StatusCompleted, models.StatusCancelled},
	models.StatusAlmostThere:       {models.StatusLookingForPatient, models.StatusCompleted, models.StatusCancelled},
	models.StatusLookingForPatient: {models.StatusReceivedPatient, models.StatusCompleted, models.StatusCancelled},
	models.StatusReceivedPatient:   {models.StatusDroppingOff, models.StatusCompleted, models.StatusCancelled},
	models.StatusDroppingOff:       {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted:         nil,
	models.StatusCancelled:         nil,
}

// Transition validates a move from cur to target. changed is false for a
// repeat of the current state, which is not an error.
func Transition(cur, target models.Status) (changed bool, err error) {
	if !target.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, target)
	}
	if cur == target {
		return false, nil
	}
	for _, next := range transitions[cur] {
		if next == target {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, target)
}

// etaWindows is the displayed arrival estimate on entering each state.
// States missing here clear the estimate.
var etaWindows = map[models.Status]time.Duration{
	models.StatusAccepted:          15 * time.Minute,
	models.StatusStartedJourney:    12 * time.Minute,
	models.StatusOnTheWay:          10 * time.Minute,
	models.StatusAlmostThere:       5 * time.Minute,
	models.StatusLookingForPatient: 2 * time.Minute,
}

// ETAWindow returns the arrival estimate for s, or false when none is shown.
func ETAWindow(s models.Status) (time.Duration, bool) {
	d, ok := etaWindows[s]
	return d, ok
}

// sharing reports whether positions are exchanged in s.
func sharing(s models.Status) bool {
	return s.Rank() >= models.StatusAccepted.Rank() && !s.Terminal()
}

package position

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position request timed out")
)

// Error records which tier produced a failure.
type Error struct {
	Tier string
	// First is true when the failure happened in the most demanding tier.
	First bool
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("tier %s: %v", e.Tier, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// UserMessage turns a sampler error into text that can be shown to a user.
func UserMessage(err error) string {
	var pe *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Location access is blocked. Allow location for this site in your browser or device settings, then try again."
	case errors.Is(err, ErrTimeout) && errors.As(err, &pe) && pe.First:
		return "Getting a precise location is taking longer than expected. Trying a faster, less precise fix."
	case errors.Is(err, ErrTimeout):
		return "Location request timed out. Move somewhere with a clearer view of the sky and we will keep trying."
	case errors.Is(err, ErrPositionUnavailable):
		return "Your position is currently unavailable. Check that location services are turned on."
	default:
		return "Unable to determine your location."
	}
}

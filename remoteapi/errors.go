package remoteapi

import (
	"errors"
	"fmt"
)

// ErrOffline is returned when the API could not be reached. Writes failing
// with ErrOffline are safe to queue and replay.
var ErrOffline = errors.New("remote api unreachable")

// APIError is an application-level rejection reported by the API.
type APIError struct {
	Action  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// IsOffline reports whether err means the API was unreachable.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

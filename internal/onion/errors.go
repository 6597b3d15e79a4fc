package onion

import (
	"errors"
	"fmt"
)

// ErrSignatureVerificationFailed maps a destination's 401 response.
var ErrSignatureVerificationFailed = errors.New("onion: signature verification failed")

// ErrClockOutOfSync maps a destination's 406 or 425 response.
var ErrClockOutOfSync = errors.New("onion: clock out of sync")

// ErrRequestTooLarge is returned when the outermost onion body would
// exceed MaxRequestSize.
var ErrRequestTooLarge = errors.New("onion: request exceeds maximum size")

// HTTPRequestFailedAtDestinationError wraps a non-2xx, non-special status
// returned by the destination itself (as opposed to a path or transport
// failure).
type HTTPRequestFailedAtDestinationError struct {
	Status      int
	Body        []byte
	Destination Destination
}

func (e *HTTPRequestFailedAtDestinationError) Error() string {
	return fmt.Sprintf("onion: request failed at destination: status %d", e.Status)
}

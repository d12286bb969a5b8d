package demux

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrApiNotAvailable is matched by every ApiNotAvailableError.
var ErrApiNotAvailable = errors.New("api not available")

// ApiNotAvailableError is returned when a dependency's API did not become
// available. Permanent means retrying cannot help (misconfiguration);
// Interrupted means the wait was cancelled before the timeout.
type ApiNotAvailableError struct {
	Target      string
	Attempts    int
	Elapsed     time.Duration
	Permanent   bool
	Interrupted bool
	Err         error
}

func (e *ApiNotAvailableError) Error() string {
	kind := "unreachable"
	switch {
	case e.Interrupted:
		kind = "wait interrupted"
	case e.Permanent:
		kind = "permanently unavailable"
	}
	return fmt.Sprintf("api %s not available (%s) after %d attempts in %s: %v",
		e.Target, kind, e.Attempts, e.Elapsed, e.Err)
}

func (e *ApiNotAvailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrApiNotAvailable) match.
func (e *ApiNotAvailableError) Is(target error) bool {
	return target == ErrApiNotAvailable
}

// PermanentError marks a probe failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the availability loop gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is a permanent probe failure or an
// ApiNotAvailableError flagged permanent.
func IsPermanent(err error) bool {
	var apiErr *ApiNotAvailableError
	if errors.As(err, &apiErr) {
		return apiErr.Permanent
	}
	return isPermanentProbeError(err)
}

// isPermanentProbeError classifies a single probe failure.
func isPermanentProbeError(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unauthenticated, codes.PermissionDenied, codes.Unimplemented, codes.InvalidArgument:
			return true
		}
	}
	return false
}

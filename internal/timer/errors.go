package timer

import "errors"

// ErrNotFound is returned by Stop when the timer id is unknown.
var ErrNotFound = errors.New("timer: not found")

func errInvalidParam(msg string) error {
	return errors.New("timer: invalid param: " + msg)
}

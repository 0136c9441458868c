package versisect

import (
	"errors"
	"fmt"
)

// ErrBisectionFinished is returned when a bisection is stepped after it already reached a decision
var ErrBisectionFinished = errors.New("bisection already finished")

// A UsageError is returned for malformed input. No run is dispatched for a task which caused one.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

// A ResolutionError is returned if a fiddle source cannot be turned into files.
// Its message is meant to be shown to the user as is.
type ResolutionError struct {
	Source FiddleSource
	Msg    string
	Err    error
}

func (e *ResolutionError) Error() string {
	return e.Msg
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func unrecognizedFiddle(source FiddleSource, err error) *ResolutionError {
	return &ResolutionError{
		Source: source,
		Msg:    fmt.Sprintf("Unrecognized Fiddle \"%s\"", source),
		Err:    err,
	}
}

// A TransportError means that a run did not produce a terminal result,
// e.g. because the executor could not be started or died mid-run.
type TransportError struct {
	RunID   string
	Version string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("run %s at version %s failed without a result - %v", e.RunID, e.Version, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

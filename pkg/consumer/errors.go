package consumer

import (
	"errors"
	"fmt"
)

var (
	// ErrConsumerStopped is returned by Consume once Stop has been called.
	// It is the natural end-of-iteration signal, not a failure.
	ErrConsumerStopped = errors.New("consumer stopped")

	// ErrNotStarted is returned by Consume before Start has established an
	// owned-partition manager.
	ErrNotStarted = errors.New("consumer not started")

	// ErrCoordinationUnavailable is returned by Start when the coordination
	// service cannot be reached to register the participant.
	ErrCoordinationUnavailable = errors.New("coordination service unavailable")
)

// RebalanceCallbackError wraps an error returned (or a panic raised) by the
// user-supplied post-rebalance callback. It aborts the rebalance pass it
// occurred in and surfaces on the next Consume call.
type RebalanceCallbackError struct {
	Err error
}

func (e *RebalanceCallbackError) Error() string {
	return fmt.Sprintf("post-rebalance callback failed: %s", e.Err)
}

func (e *RebalanceCallbackError) Unwrap() error {
	return e.Err
}

// AssignmentInconsistencyError reports a violated assignment invariant: a
// partition left unassigned or assigned more than once. It indicates a bug
// in the assignment algorithm and is never expected in normal operation.
type AssignmentInconsistencyError struct {
	Partition int32
	Count     int
}

func (e *AssignmentInconsistencyError) Error() string {
	return fmt.Sprintf("partition %d assigned %d times", e.Partition, e.Count)
}

package domain

import "errors"

var (
	// ErrUnknownDependency is returned when a task references a dependency
	// that is not in the graph. The task is not created.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrTaskNotFound is returned by lookups against an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a status change would move a
	// task backwards or skip a state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMalformedMessage is returned when a queue message cannot be decoded.
	ErrMalformedMessage = errors.New("malformed queue message")

	// ErrExecutionFailure wraps any error raised by a task's work.
	ErrExecutionFailure = errors.New("task execution failed")

	// ErrTransport signals that the queue service is unreachable or the
	// consumer connection was lost.
	ErrTransport = errors.New("queue transport failure")

	// ErrPrefetchExceeded is returned when a consumer asks for a new delivery
	// before acknowledging the one it holds.
	ErrPrefetchExceeded = errors.New("prefetch limit exceeded: previous delivery not acknowledged")

	// ErrChannelClosed is returned by operations on a closed consumer channel.
	ErrChannelClosed = errors.New("consumer channel closed")
)

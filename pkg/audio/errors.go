package audio

import "errors"

// Error kinds shared by every layer of the audio stack. Callers match them
// with [errors.Is]; concrete errors wrap one of these with context.
var (
	// ErrPermissionDenied is returned when capture is attempted without an
	// authorisation grant, or when the user/OS refused the request.
	ErrPermissionDenied = errors.New("audio: capture permission denied")

	// ErrDeviceUnavailable means the host has no usable input device.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

	// ErrInvalidConfig covers non-positive or hardware-unsupported stream
	// parameters.
	ErrInvalidConfig = errors.New("audio: invalid stream configuration")

	// ErrArityMismatch is returned by graph connects whose channel counts differ.
	ErrArityMismatch = errors.New("audio: channel arity mismatch")

	// ErrCycleDetected is returned by graph connects that would close a cycle.
	ErrCycleDetected = errors.New("audio: connection would create a cycle")

	// ErrPortOccupied is returned when an input port already has an inbound edge.
	ErrPortOccupied = errors.New("audio: input port already connected")

	// ErrEdgeNotFound is returned when disconnecting an edge that does not exist.
	ErrEdgeNotFound = errors.New("audio: edge not found")

	// ErrConcurrentMutation is a contract violation: the graph topology was
	// changed while ticks were allowed or in flight.
	ErrConcurrentMutation = errors.New("audio: graph mutated while ticking")

	// ErrInvalidState is returned by lifecycle operations called in the wrong
	// state (closing a running device, toggling during a transition, ...).
	ErrInvalidState = errors.New("audio: invalid state")

	// ErrCallbackFailure marks a worklet callback that faulted during a tick.
	ErrCallbackFailure = errors.New("audio: worklet callback failure")

	// ErrDeadlineMiss marks a tick that exceeded its buffer time budget. It is
	// reported, never returned from a control-path operation.
	ErrDeadlineMiss = errors.New("audio: tick deadline missed")
)

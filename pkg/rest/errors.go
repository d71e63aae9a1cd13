package rest

import "errors"

// Error taxonomy for the request abstraction and the orchestrator. Callers
// classify failures with errors.Is; call sites add context with fmt.Errorf
// and %w.
var (
	// ErrConstruction marks a missing or invalid collaborator at assembly
	// time: an unknown factory identifier, a factory returning nil, or an
	// invalid configuration value. Fatal, prevents startup.
	ErrConstruction = errors.New("construction failed")

	// ErrRequestInvalid marks a malformed or unpreparable request. Local to
	// one request, never affects others.
	ErrRequestInvalid = errors.New("invalid request")

	// ErrIllegalState marks an operation invoked out of the allowed
	// lifecycle order.
	ErrIllegalState = errors.New("illegal lifecycle state")

	// ErrUnsupportedAlgorithm marks a digest algorithm that is not
	// available.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

	// ErrTransport marks an I/O failure while streaming a body or
	// response. Surfaced through the pending completion callback.
	ErrTransport = errors.New("transport failure")

	// ErrShutdownStage marks a non-fatal failure inside one shutdown
	// stage. Logged, never blocks the remaining stages.
	ErrShutdownStage = errors.New("shutdown stage failed")
)

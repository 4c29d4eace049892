// Package errors provides structured error handling for the chronicle engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Storage errors
	CodeNotFound            Code = "NOT_FOUND"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
	CodePartialIndexWrite   Code = "PARTIAL_INDEX_WRITE"

	// Envelope errors
	CodeSerialization         Code = "SERIALIZATION"
	CodeEventTypeUnregistered Code = "EVENT_TYPE_UNREGISTERED"
	CodeEnvelopeInvalid       Code = "ENVELOPE_INVALID"

	// Aggregate errors
	CodeAggregateIDEmpty   Code = "AGGREGATE_ID_EMPTY"
	CodeAggregateTypeEmpty Code = "AGGREGATE_TYPE_EMPTY"
	CodeReplayGap          Code = "REPLAY_GAP"

	// Index errors
	CodeIndexKeyEmpty    Code = "INDEX_KEY_EMPTY"
	CodeIndexKeyConflict Code = "INDEX_KEY_CONFLICT"

	// Projection errors
	CodeProjectionNameEmpty Code = "PROJECTION_NAME_EMPTY"
	CodeHandlerRequired     Code = "HANDLER_REQUIRED"

	// Saga errors
	CodeSagaStepTimeout     Code = "SAGA_STEP_TIMEOUT"
	CodeSagaDefinitionEmpty Code = "SAGA_DEFINITION_EMPTY"
	CodeSagaTerminalState   Code = "SAGA_TERMINAL_STATE"

	// Pagination errors
	CodeCursorInvalid Code = "CURSOR_INVALID"
)

// GRPCCode maps engine codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeEnvelopeInvalid,
		CodeAggregateIDEmpty,
		CodeAggregateTypeEmpty,
		CodeIndexKeyEmpty,
		CodeProjectionNameEmpty,
		CodeHandlerRequired,
		CodeSagaDefinitionEmpty,
		CodeCursorInvalid:
		return codes.InvalidArgument

	// NotFound - absent aggregates, index keys, checkpoints
	case CodeNotFound,
		CodeEventTypeUnregistered:
		return codes.NotFound

	// Aborted - optimistic concurrency losers retry after reload
	case CodeConcurrencyConflict,
		CodeIndexKeyConflict:
		return codes.Aborted

	// FailedPrecondition - operations against terminal saga state
	case CodeSagaTerminalState:
		return codes.FailedPrecondition

	// DeadlineExceeded - expired saga steps
	case CodeSagaStepTimeout:
		return codes.DeadlineExceeded

	// Unavailable - transient infrastructure failures, retry with backoff
	case CodeStoreUnavailable:
		return codes.Unavailable

	// DataLoss - corrupted streams or torn index writes
	case CodeSerialization,
		CodeReplayGap,
		CodePartialIndexWrite:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}

package types

import "errors"

// Schema and programming errors. These are not transient and must not be
// retried.
var (
	ErrUnknownEntity        = errors.New("unknown entity")
	ErrInvalidSchema        = errors.New("invalid schema")
	ErrInvalidAttributeType = errors.New("invalid attribute type")
	ErrInvalidIdentifier    = errors.New("invalid identifier")
	ErrUnknownLinkedEntity  = errors.New("linked entity is not declared")
	ErrSchemaCycle          = errors.New("schema has a foreign key cycle")
	ErrUnknownAttribute     = errors.New("unknown attribute")
	ErrInvalidValue         = errors.New("invalid value")
	ErrInvalidAction        = errors.New("invalid action")
	ErrInvalidPredicate     = errors.New("invalid predicate")
	ErrEntityNotWritable    = errors.New("entity is not writable")
	ErrMissingID            = errors.New("missing primary key value")
)

// Consistency errors block synchronization until resolved externally.
var (
	ErrHashMismatch = errors.New("hash validation mismatch")
)

// Remote errors.
var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrOffline           = errors.New("network unavailable")
	ErrRemoteRejected    = errors.New("remote rejected request")
)

// Storage and lifecycle errors.
var (
	ErrStoreDetached   = errors.New("store is detached")
	ErrAlreadyAttached = errors.New("store is already attached")
	ErrNotFound        = errors.New("entity row not found")
	ErrPartialBatch    = errors.New("batch applied partially")
	ErrPipelineRunning = errors.New("pipeline is already running")
)

// Config validation errors.
var (
	ErrDataDirEmpty     = errors.New("data directory must not be empty")
	ErrBaseURLEmpty     = errors.New("base URL must not be empty")
	ErrBatchSizeInvalid = errors.New("push batch size must be positive")
	ErrDurationInvalid  = errors.New("duration must not be negative")
	ErrLogLevelUnknown  = errors.New("unknown log level")
	ErrLogFormatUnknown = errors.New("unknown log format")
)

package types

import "time"

// OperationType names a synchronization phase tracked in sync_control.
type OperationType string

// Tracked operations.
const (
	OpInitialSynchronization OperationType = "initial_synchronization"
	OpHashValidation         OperationType = "hash_validation"
	OpCheckpoint             OperationType = "checkpoint"
)

// OperationStatus is the outcome of a tracked operation.
type OperationStatus string

// Operation outcomes.
const (
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
)

// ControlRecord is one row of sync_control. Several rows per operation type
// may exist.
type ControlRecord struct {
	ID        int64
	Type      OperationType
	Status    OperationStatus
	Timestamp time.Time
}

// NetworkMonitor reports connectivity. Implementations notify subscribers on
// every change; the returned function releases the subscription.
type NetworkMonitor interface {
	IsAvailable() bool
	Subscribe(fn func(available bool)) (unsubscribe func())
}

package xevent

import (
	"time"
)

// BusEventType enumerates internal lifecycle events for the Observer pattern.
type BusEventType string

const (
	EventFired       BusEventType = "event_fired"
	EventCanceled    BusEventType = "event_canceled"
	EventUnrecorded  BusEventType = "event_unrecorded"
	ListenerFailed   BusEventType = "listener_failed"
	BundleFlushed    BusEventType = "bundle_flushed"
	BundleDiscarded  BusEventType = "bundle_discarded"
	AsyncDone        BusEventType = "async_done"
	AsyncFailed      BusEventType = "async_failed"
	RollbackMarked   BusEventType = "rollback_marked"
	ShutdownComplete BusEventType = "shutdown_complete"
)

// BusEvent carries telemetry for observers.
type BusEvent struct {
	Type          BusEventType
	EventName     string
	Listener      string
	BundleID      string
	TransactionID string
	Count         int
	Duration      time.Duration
	Err           error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	Panics       uint64 // Observer panics recovered
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the service.
type Metrics struct {
	Fired            uint64
	Recorded         uint64
	Inline           uint64
	Canceled         uint64
	Unrecorded       uint64
	ListenerErrors   uint64
	BundlesFlushed   uint64
	BundlesDiscarded uint64
	AsyncSubmitted   uint64
	AsyncCompleted   uint64
	AsyncFailed      uint64
	ObserverDropped  uint64
	ActiveWork       int
	PendingWork      int
}

// HealthStatus indicates service health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// Failure describes one failed asynchronous post-commit listener run.
type Failure struct {
	ID            string
	Listener      string
	BundleID      string
	TransactionID string
	Repository    string
	EventNames    []string
	Err           error
	Attempts      int
	FailedAt      time.Time

	// Bundle is the delivered bundle; sinks that cannot keep it leave it nil.
	Bundle *Bundle
}

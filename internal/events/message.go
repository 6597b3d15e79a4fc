// Package events implements the local pub/sub hub that pushes job
// lifecycle and network-state transitions to attached observers over
// WebSocket. Lantern itself is headless; the hub exists for the UI layer
// (out of scope for this module) or any other local observer to watch
// what the core is doing without polling.
//
// Topic naming convention:
//
//	jobs           — every job lifecycle transition (succeeded/failed/deferred)
//	job:<id>       — transitions for one specific job
//	swarm          — swarm-cache changes (a recipient's swarm was refreshed)
//	pool           — service node pool membership changes
//	path           — onion path rebuilds
package events

import "fmt"

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgJobSucceeded is sent when a queued job completes successfully.
	MsgJobSucceeded MessageType = "job.succeeded"

	// MsgJobFailed is sent when a job fails, whether the failure is
	// terminal (the job was dropped) or will be retried.
	MsgJobFailed MessageType = "job.failed"

	// MsgJobDeferred is sent each time an executor defers its job rather
	// than succeeding or failing outright.
	MsgJobDeferred MessageType = "job.deferred"

	// MsgSwarmChanged is sent when a recipient's cached swarm membership
	// is refreshed.
	MsgSwarmChanged MessageType = "swarm.changed"

	// MsgPoolChanged is sent when the local service node pool's
	// membership changes (nodes added, removed, or refreshed).
	MsgPoolChanged MessageType = "pool.changed"

	// MsgPathChanged is sent when an onion path is rebuilt.
	MsgPathChanged MessageType = "path.changed"

	// MsgPing is the message type for an application-level keep-alive.
	// Nothing in this package sends it; connections are kept alive with
	// WebSocket ping control frames.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to an observer.
type Message struct {
	// Type identifies the kind of event so the observer can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data; its shape varies by Type.
	Payload any `json:"payload"`
}

// JobPayload is the Payload shape for every job.* message.
type JobPayload struct {
	JobID     int64  `json:"job_id"`
	Variant   string `json:"variant"`
	Err       string `json:"error,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// SwarmPayload is the Payload shape for swarm.changed.
type SwarmPayload struct {
	PubkeyHex string `json:"pubkey_hex"`
	NodeCount int    `json:"node_count"`
}

// PoolPayload is the Payload shape for pool.changed.
type PoolPayload struct {
	NodeCount int `json:"node_count"`
}

// PathPayload is the Payload shape for path.changed.
type PathPayload struct {
	PathID string `json:"path_id"`
	Hops   int    `json:"hops"`
}

// jobTopic builds the per-job topic name for a job ID.
func jobTopic(id int64) string { return fmt.Sprintf("job:%d", id) }

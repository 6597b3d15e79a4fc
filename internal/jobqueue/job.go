// Package jobqueue runs the durable job store (internal/db.Job) against a
// fixed topology of named queues. It generalizes the single "one schedule,
// one dispatch target" loop into many job variants multiplexed across a
// handful of serial and concurrent queues, each drained by executors
// registered for the variants it owns.
package jobqueue

import "github.com/lanterncore/lantern/internal/db"

// Behavior mirrors db.Job's behavior column. It governs how a job is
// re-admitted (or deleted) once it finishes running.
type Behavior string

const (
	BehaviorRunOnce             Behavior = "run-once"
	BehaviorRunOnceNextLaunch   Behavior = "run-once-next-launch"
	BehaviorRecurring           Behavior = "recurring"
	BehaviorRecurringOnLaunch   Behavior = "recurring-on-launch"
	BehaviorRecurringOnActive   Behavior = "recurring-on-active"
)

// QueueName identifies one of the fixed queues a variant is statically
// assigned to.
type QueueName string

const (
	QueueBlocking            QueueName = "blocking"
	QueueMessageSend         QueueName = "message-send"
	QueueMessageReceive      QueueName = "message-receive"
	QueueAttachmentDownload  QueueName = "attachment-download"
	QueueExpirationUpdate    QueueName = "expiration-update"
	QueueGeneral             QueueName = "general"
)

// variantQueue statically assigns every known variant to its home queue.
// A variant absent from this map falls back to QueueGeneral, which is
// serial and accepts "everything else" per the topology.
var variantQueue = map[string]QueueName{
	"attachment-upload":     QueueMessageSend,
	"message-send":          QueueMessageSend,
	"notify-push":           QueueMessageSend,
	"send-read-receipts":    QueueMessageSend,
	"group-leaving":         QueueMessageSend,
	"config-sync":           QueueMessageSend,

	"message-receive":        QueueMessageReceive,
	"config-message-receive": QueueMessageReceive,

	"attachment-download": QueueAttachmentDownload,

	"expiration-update":      QueueExpirationUpdate,
	"get-expiration":         QueueExpirationUpdate,
	"disappearing-messages":  QueueExpirationUpdate,
}

// concurrentQueues lists the queues that run more than one job at a time.
// Every other named queue, including any unrecognized name, is serial.
var concurrentQueues = map[QueueName]bool{
	QueueMessageSend:      true,
	QueueExpirationUpdate: true,
}

// QueueForVariant returns the queue a variant is statically assigned to.
// The blocking queue is never returned here — a job only runs there when
// its behavior and should_block flag route it there at admission time.
func QueueForVariant(variant string) QueueName {
	if q, ok := variantQueue[variant]; ok {
		return q
	}
	return QueueGeneral
}

// IsConcurrent reports whether name runs more than one job at a time.
func IsConcurrent(name QueueName) bool {
	return concurrentQueues[name]
}

// isLaunchBehavior reports whether b is only ever admitted by a lifecycle
// hook rather than ad-hoc Add/Upsert/Insert calls.
func isLaunchBehavior(b Behavior) bool {
	return b == BehaviorRunOnceNextLaunch || b == BehaviorRecurringOnLaunch || b == BehaviorRecurringOnActive
}

func behaviorOf(job *db.Job) Behavior {
	return Behavior(job.Behavior)
}

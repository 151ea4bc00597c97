package worker

import (
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// Event drives the per-run document state machine.
type Event string

const (
	EventProcess       Event = "process"
	EventSuccess       Event = "success"
	EventRetriable     Event = "retriable_failure"
	EventFatal         Event = "fatal_failure"
	EventCancelRequest Event = "cancel_requested"
)

// EffectKind names a side effect the driver must execute after a transition.
type EffectKind string

const (
	EffectWriteSnapshot EffectKind = "write-snapshot"
	EffectPersistStatus EffectKind = "persist-status"
	EffectEmitAudit     EffectKind = "emit-audit"
	EffectReschedule    EffectKind = "reschedule"
	EffectRouteDLQ      EffectKind = "dlq"
)

// Effect is one named side effect with its target values.
type Effect struct {
	Kind     EffectKind
	Status   types.DocumentStatus
	JobState types.JobState
	Audit    string
}

// Transition is the pure document state machine driven by the worker
// processor. It returns the successor status and the effects a thin driver
// executes, keeping behavior deterministic and testable.
func Transition(status types.DocumentStatus, event Event) (types.DocumentStatus, []Effect) {
	switch event {
	case EventCancelRequest:
		// Cancellation wins from any non-terminal state.
		if status.Terminal() {
			return status, nil
		}
		return types.DocumentCancelled, []Effect{
			{Kind: EffectPersistStatus, Status: types.DocumentCancelled},
			{Kind: EffectWriteSnapshot, JobState: types.JobCancelled},
			{Kind: EffectEmitAudit, Audit: "CANCELLED"},
		}

	case EventProcess:
		if !status.Startable() {
			return status, nil
		}
		return types.DocumentProcessing, []Effect{
			{Kind: EffectPersistStatus, Status: types.DocumentProcessing},
			{Kind: EffectWriteSnapshot, JobState: types.JobProcessing},
			{Kind: EffectEmitAudit, Audit: "STARTED"},
		}

	case EventSuccess:
		if status != types.DocumentProcessing {
			return status, nil
		}
		return types.DocumentCompleted, []Effect{
			{Kind: EffectPersistStatus, Status: types.DocumentCompleted},
			{Kind: EffectWriteSnapshot, JobState: types.JobCompleted},
			{Kind: EffectEmitAudit, Audit: "EXTRACTED"},
		}

	case EventRetriable:
		if status != types.DocumentProcessing {
			return status, nil
		}
		return types.DocumentRetrying, []Effect{
			{Kind: EffectPersistStatus, Status: types.DocumentRetrying},
			{Kind: EffectWriteSnapshot, JobState: types.JobRetrying},
			{Kind: EffectReschedule},
		}

	case EventFatal:
		if status.Terminal() {
			return status, nil
		}
		return types.DocumentFailed, []Effect{
			{Kind: EffectPersistStatus, Status: types.DocumentFailed},
			{Kind: EffectWriteSnapshot, JobState: types.JobFailed},
			{Kind: EffectEmitAudit, Audit: "ERROR"},
			{Kind: EffectRouteDLQ},
		}
	}
	return status, nil
}

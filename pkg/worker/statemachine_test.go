package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zabrisket/ledgerlift/pkg/types"
)

func effectKinds(effects []Effect) []EffectKind {
	kinds := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    types.DocumentStatus
		event   Event
		want    types.DocumentStatus
		effects []EffectKind
	}{
		{
			name:  "uploaded starts processing",
			from:  types.DocumentUploaded, event: EventProcess,
			want:    types.DocumentProcessing,
			effects: []EffectKind{EffectPersistStatus, EffectWriteSnapshot, EffectEmitAudit},
		},
		{
			name: "retrying restarts processing",
			from: types.DocumentRetrying, event: EventProcess,
			want:    types.DocumentProcessing,
			effects: []EffectKind{EffectPersistStatus, EffectWriteSnapshot, EffectEmitAudit},
		},
		{
			name: "processing completes",
			from: types.DocumentProcessing, event: EventSuccess,
			want:    types.DocumentCompleted,
			effects: []EffectKind{EffectPersistStatus, EffectWriteSnapshot, EffectEmitAudit},
		},
		{
			name: "processing fails retriably",
			from: types.DocumentProcessing, event: EventRetriable,
			want:    types.DocumentRetrying,
			effects: []EffectKind{EffectPersistStatus, EffectWriteSnapshot, EffectReschedule},
		},
		{
			name: "processing fails fatally",
			from: types.DocumentProcessing, event: EventFatal,
			want:    types.DocumentFailed,
			effects: []EffectKind{EffectPersistStatus, EffectWriteSnapshot, EffectEmitAudit, EffectRouteDLQ},
		},
		{
			name: "cancel from uploaded",
			from: types.DocumentUploaded, event: EventCancelRequest,
			want:    types.DocumentCancelled,
			effects: []EffectKind{EffectPersistStatus, EffectWriteSnapshot, EffectEmitAudit},
		},
		{
			name: "cancel from processing",
			from: types.DocumentProcessing, event: EventCancelRequest,
			want:    types.DocumentCancelled,
			effects: []EffectKind{EffectPersistStatus, EffectWriteSnapshot, EffectEmitAudit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, effects := Transition(tt.from, tt.event)
			assert.Equal(t, tt.want, next)
			assert.Equal(t, tt.effects, effectKinds(effects))
		})
	}
}

func TestTerminalStatesAreSinks(t *testing.T) {
	terminals := []types.DocumentStatus{
		types.DocumentCompleted,
		types.DocumentCancelled,
	}
	events := []Event{EventProcess, EventSuccess, EventRetriable, EventFatal, EventCancelRequest}

	for _, status := range terminals {
		for _, event := range events {
			next, effects := Transition(status, event)
			assert.Equal(t, status, next, "terminal %s must not move on %s", status, event)
			assert.Empty(t, effects)
		}
	}
}

func TestCompletedCannotBeProcessed(t *testing.T) {
	next, effects := Transition(types.DocumentCompleted, EventProcess)
	assert.Equal(t, types.DocumentCompleted, next)
	assert.Empty(t, effects)
}

func TestFailedCanBeReprocessed(t *testing.T) {
	next, effects := Transition(types.DocumentFailed, EventProcess)
	assert.Equal(t, types.DocumentProcessing, next)
	assert.NotEmpty(t, effects)
}

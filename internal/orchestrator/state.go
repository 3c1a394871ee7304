package orchestrator

import (
	"fmt"

	"github.com/MrWong99/voxbridge/internal/pipeline"
)

// State is the lifecycle state of one participant session.
type State int32

const (
	// StateIdle means no speech is open and no pipeline is running.
	StateIdle State = iota

	// StateListening means an utterance is being accumulated.
	StateListening

	// StateTranscribing means the closed utterance is being transcribed.
	StateTranscribing

	// StateQuerying means the answer service is streaming an answer.
	StateQuerying

	// StateSynthesizing means the answer is being synthesized.
	StateSynthesizing

	// StateSpeaking means the answer is being played to the participant.
	StateSpeaking
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateQuerying:
		return "QUERYING"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Busy reports whether a pipeline is in flight in state s.
func (s State) Busy() bool {
	return s >= StateTranscribing
}

// stageState maps a pipeline stage to the session state it runs in.
func stageState(s pipeline.Stage) State {
	switch s {
	case pipeline.StageTranscribe:
		return StateTranscribing
	case pipeline.StageAnswer:
		return StateQuerying
	case pipeline.StageSynthesize:
		return StateSynthesizing
	default:
		return StateSpeaking
	}
}

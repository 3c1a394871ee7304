package pipeline

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxbridge/internal/observe"
)

// Per-utterance failure classes. A failed [Pipeline.Run] returns a
// [*StageError] that matches exactly one of these via [errors.Is].
var (
	ErrTranscription   = errors.New("transcription failed")
	ErrAnswerRetrieval = errors.New("answer retrieval failed")
	ErrSynthesis       = errors.New("synthesis failed")
	ErrPublish         = errors.New("publish failed")
)

// ErrEmptyTranscript is the cause of an [ErrTranscription] failure when the
// recogniser returned no text.
var ErrEmptyTranscript = errors.New("empty transcript")

// Stage identifies one step of the pipeline.
type Stage int

const (
	StageTranscribe Stage = iota
	StageAnswer
	StageSynthesize
	StagePublish
)

// String returns the stage name used in logs and metric attributes.
func (s Stage) String() string {
	switch s {
	case StageTranscribe:
		return observe.StageTranscribe
	case StageAnswer:
		return observe.StageAnswer
	case StageSynthesize:
		return observe.StageSynthesize
	case StagePublish:
		return observe.StagePublish
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Class returns the failure class sentinel for s.
func (s Stage) Class() error {
	switch s {
	case StageTranscribe:
		return ErrTranscription
	case StageAnswer:
		return ErrAnswerRetrieval
	case StageSynthesize:
		return ErrSynthesis
	default:
		return ErrPublish
	}
}

// StageError reports which stage of which utterance failed. It matches both
// its stage's failure class and the underlying cause via [errors.Is].
type StageError struct {
	Stage       Stage
	UtteranceID string
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: utterance %s: %s: %v", e.UtteranceID, e.Stage.Class(), e.Err)
}

// Unwrap returns the failure class and the cause.
func (e *StageError) Unwrap() []error {
	return []error{e.Stage.Class(), e.Err}
}

func stageError(stage Stage, utteranceID string, err error) *StageError {
	return &StageError{Stage: stage, UtteranceID: utteranceID, Err: err}
}

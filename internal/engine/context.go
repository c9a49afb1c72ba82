package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"stratagen/internal/advice"
)

// State tracks where a run is in its lifecycle. Finalized and
// FallbackFinalized are the only terminal states.
type State int

const (
	StateInitializing State = iota
	StateGenerating
	StateScoring
	StateSelectingContext
	StateRefining
	StateConsistencyChecking
	StateFinalized
	StateFallbackFinalized
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateGenerating:
		return "generating"
	case StateScoring:
		return "scoring"
	case StateSelectingContext:
		return "selecting-context"
	case StateRefining:
		return "refining"
	case StateConsistencyChecking:
		return "consistency-checking"
	case StateFinalized:
		return "finalized"
	case StateFallbackFinalized:
		return "fallback-finalized"
	}
	return "unknown"
}

// ExecutionContext holds all mutable state for one invocation. It is
// created when the run starts, never shared across invocations, and
// discarded once the result is finalized.
type ExecutionContext struct {
	CorrelationID string
	Config        Config
	StartedAt     time.Time
	Pass          int
	History       []advice.PassRecord
	Errors        []string
	State         State
}

func newExecutionContext(cfg Config, correlationID string, startedAt time.Time) *ExecutionContext {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &ExecutionContext{
		CorrelationID: correlationID,
		Config:        cfg,
		StartedAt:     startedAt,
		Pass:          1,
		State:         StateInitializing,
	}
}

func (ec *ExecutionContext) recordError(stage State, err error) {
	ec.Errors = append(ec.Errors, fmt.Sprintf("%s: %v", stage, err))
}

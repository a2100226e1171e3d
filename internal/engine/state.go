// Package engine provides agent orchestration functionality.
package engine

import (
	"fmt"
	"time"
)

// Phase represents where a task is in its lifecycle.
type Phase string

const (
	PhaseInit      Phase = "INIT"
	PhasePlanning  Phase = "PLANNING"  // waiting on the model
	PhaseExecuting Phase = "EXECUTING" // waiting on the sandbox
	PhaseDone      Phase = "DONE"
	PhaseExhausted Phase = "EXHAUSTED"
	PhaseFailed    Phase = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseExhausted || p == PhaseFailed
}

// Status maps a terminal phase onto the externally visible status.
func (p Phase) Status() Status {
	switch p {
	case PhaseDone:
		return StatusDone
	case PhaseExhausted:
		return StatusExhausted
	default:
		return StatusFailed
	}
}

var transitions = map[Phase][]Phase{
	PhaseInit:      {PhasePlanning, PhaseFailed},
	PhasePlanning:  {PhaseExecuting, PhasePlanning, PhaseDone, PhaseExhausted, PhaseFailed},
	PhaseExecuting: {PhasePlanning, PhaseExhausted, PhaseFailed},
}

// State is the mutable bookkeeping of one task. Only the goroutine running
// the task touches it.
type State struct {
	Task      Task
	Phase     Phase
	Rounds    []Round  // append-only, indices contiguous from 1
	Artifacts []string // cumulative, in discovery order
	StartedAt time.Time
	Retries   int // provider retries observed across the task
	Truncated int // rounds compacted or dropped in the last prompt

	seenArtifacts map[string]bool
}

// NewState creates the INIT state for a task.
func NewState(task Task) *State {
	return &State{
		Task:          task,
		Phase:         PhaseInit,
		StartedAt:     time.Now(),
		seenArtifacts: make(map[string]bool),
	}
}

// Transition moves the task to the next phase, rejecting illegal moves.
func (s *State) Transition(to Phase) error {
	for _, allowed := range transitions[s.Phase] {
		if allowed == to {
			s.Phase = to
			return nil
		}
	}
	return fmt.Errorf("illegal phase transition %s -> %s", s.Phase, to)
}

// NextIndex is the index the next appended round must carry.
func (s *State) NextIndex() int { return len(s.Rounds) + 1 }

// RoundCount returns the number of completed rounds.
func (s *State) RoundCount() int { return len(s.Rounds) }

// Append records a completed round. Rounds are never mutated afterwards.
func (s *State) Append(r Round) error {
	if r.Index != s.NextIndex() {
		return fmt.Errorf("round index %d out of order (expected %d)", r.Index, s.NextIndex())
	}
	if s.Task.MaxRounds > 0 && r.Index > s.Task.MaxRounds {
		return fmt.Errorf("round %d: %w", r.Index, ErrRoundBudgetExceeded)
	}
	s.Rounds = append(s.Rounds, r)
	return nil
}

// AddArtifacts merges newly discovered artifacts, keeping first-seen order.
func (s *State) AddArtifacts(paths []string) {
	if s.seenArtifacts == nil {
		s.seenArtifacts = make(map[string]bool)
	}
	for _, p := range paths {
		if s.seenArtifacts[p] {
			continue
		}
		s.seenArtifacts[p] = true
		s.Artifacts = append(s.Artifacts, p)
	}
}

// BudgetLeft reports whether another round may start.
func (s *State) BudgetLeft() bool {
	return len(s.Rounds) < s.Task.MaxRounds
}

// Package stepflow implements the generic step state machine shared by all
// accelerators: a 1-indexed position bounded by the accelerator's step count,
// a high-water mark of the furthest step ever reached, and a session status.
// The machine is pure state arithmetic; persistence and per-step validation
// live with the caller.
package stepflow

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPaused     Status = "paused"
)

var (
	ErrStepNotAccessible = errors.New("step not accessible: beyond furthest step reached")
	ErrNotOnFinalStep    = errors.New("complete requires the final step")
	ErrNotCompleted      = errors.New("reopen requires a completed session")
	ErrCompleted         = errors.New("session is completed")
)

// Machine tracks one session's position within a fixed step table.
type Machine struct {
	stepCount int
	current   int
	highest   int
	status    Status
}

// New starts a fresh machine at step 1.
func New(stepCount int) (*Machine, error) {
	if stepCount < 1 {
		return nil, fmt.Errorf("stepflow: step count must be positive, got %d", stepCount)
	}
	return &Machine{
		stepCount: stepCount,
		current:   1,
		highest:   1,
		status:    StatusInProgress,
	}, nil
}

// Resume rebuilds a machine from persisted state. Out-of-range positions are
// clamped into [1, stepCount] rather than rejected: a shrunk step table must
// not strand existing sessions.
func Resume(stepCount, current, highest int, status Status) (*Machine, error) {
	m, err := New(stepCount)
	if err != nil {
		return nil, err
	}
	m.current = clamp(current, 1, stepCount)
	m.highest = clamp(highest, m.current, stepCount)
	switch status {
	case StatusInProgress, StatusCompleted, StatusPaused:
		m.status = status
	default:
		return nil, fmt.Errorf("stepflow: unknown status %q", status)
	}
	if m.status == StatusCompleted {
		// Completed implies terminal position.
		m.current = stepCount
		m.highest = stepCount
	}
	return m, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (m *Machine) Current() int      { return m.current }
func (m *Machine) Highest() int      { return m.highest }
func (m *Machine) StepCount() int    { return m.stepCount }
func (m *Machine) Status() Status    { return m.status }
func (m *Machine) IsCompleted() bool { return m.status == StatusCompleted }

// Advance moves forward one step, capped at the final step. Completed
// sessions do not move.
func (m *Machine) Advance() (int, error) {
	if m.status == StatusCompleted {
		return m.current, ErrCompleted
	}
	if m.current < m.stepCount {
		m.current++
	}
	if m.current > m.highest {
		m.highest = m.current
	}
	return m.current, nil
}

// Retreat moves back one step, floored at step 1. Retreating never lowers
// the high-water mark.
func (m *Machine) Retreat() (int, error) {
	if m.status == StatusCompleted {
		return m.current, ErrCompleted
	}
	if m.current > 1 {
		m.current--
	}
	return m.current, nil
}

// JumpTo repositions onto any previously reached step. Jumping ahead of the
// high-water mark is refused: a step becomes accessible only by advancing
// into it.
func (m *Machine) JumpTo(step int) error {
	if m.status == StatusCompleted {
		return ErrCompleted
	}
	if step < 1 || step > m.highest {
		return fmt.Errorf("%w: step %d, furthest %d", ErrStepNotAccessible, step, m.highest)
	}
	m.current = step
	return nil
}

// Complete marks the session finished. Only valid on the final step.
func (m *Machine) Complete() error {
	if m.status == StatusCompleted {
		return ErrCompleted
	}
	if m.current != m.stepCount {
		return fmt.Errorf("%w: at step %d of %d", ErrNotOnFinalStep, m.current, m.stepCount)
	}
	m.status = StatusCompleted
	return nil
}

// Reopen returns a completed session to in_progress on its final step so the
// user can edit after completion. Session content is untouched.
func (m *Machine) Reopen() error {
	if m.status != StatusCompleted {
		return ErrNotCompleted
	}
	m.status = StatusInProgress
	m.current = m.stepCount
	m.highest = m.stepCount
	return nil
}

// Pause suspends an in-progress session without moving it.
func (m *Machine) Pause() error {
	if m.status == StatusCompleted {
		return ErrCompleted
	}
	m.status = StatusPaused
	return nil
}

// ResumeFromPause returns a paused session to in_progress.
func (m *Machine) ResumeFromPause() {
	if m.status == StatusPaused {
		m.status = StatusInProgress
	}
}

// Package saga models durable bookkeeping for multi-step distributed
// operations. A saga records which steps of a workflow completed and with what
// results, so a mid-sequence failure can be diagnosed or compensated precisely.
// Compensation itself is the caller's responsibility; the saga only guarantees
// the history needed to decide what to compensate.
package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepRecord is one completed step: its name, serialized result, and when it
// finished. Step order in the saga's context equals execution order.
type StepRecord struct {
	Name       string          `json:"step"`
	Result     json.RawMessage `json:"result"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Saga tracks one multi-step distributed operation from creation to a single
// terminal transition: commit or rollback.
type Saga struct {
	sagaID        string
	operationType string
	status        Status
	totalSteps    int
	steps         []StepRecord
	errorStep     string
	errorMessage  string
	createdAt     time.Time
	committedAt   time.Time
	rolledBackAt  time.Time
}

// NewSaga creates a saga at the start of a multi-step workflow.
func NewSaga(sagaID, operationType string, totalSteps int, now time.Time) (*Saga, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("saga id must not be empty")
	}
	if totalSteps <= 0 {
		return nil, fmt.Errorf("saga %s: total steps must be positive, got %d", sagaID, totalSteps)
	}

	return &Saga{
		sagaID:        sagaID,
		operationType: operationType,
		status:        StatusCreated,
		totalSteps:    totalSteps,
		createdAt:     now,
	}, nil
}

// ReconstructSaga creates a Saga from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructSaga(
	sagaID, operationType string,
	status Status,
	totalSteps int,
	steps []StepRecord,
	errorStep, errorMessage string,
	createdAt, committedAt, rolledBackAt time.Time,
) *Saga {
	return &Saga{
		sagaID:        sagaID,
		operationType: operationType,
		status:        status,
		totalSteps:    totalSteps,
		steps:         steps,
		errorStep:     errorStep,
		errorMessage:  errorMessage,
		createdAt:     createdAt,
		committedAt:   committedAt,
		rolledBackAt:  rolledBackAt,
	}
}

// SagaID returns the unique identifier for this saga.
func (s *Saga) SagaID() string { return s.sagaID }

// OperationType returns the kind of workflow this saga tracks.
func (s *Saga) OperationType() string { return s.operationType }

// Status returns the current lifecycle state.
func (s *Saga) Status() Status { return s.status }

// TotalSteps returns how many steps the workflow declared at creation.
func (s *Saga) TotalSteps() int { return s.totalSteps }

// StepsCompleted returns how many steps have been recorded.
func (s *Saga) StepsCompleted() int { return len(s.steps) }

// Steps returns the recorded steps in execution order. The returned slice is
// a copy; mutating it does not affect the saga.
func (s *Saga) Steps() []StepRecord {
	out := make([]StepRecord, len(s.steps))
	copy(out, s.steps)
	return out
}

// ErrorStep returns the step name recorded at rollback, if any.
func (s *Saga) ErrorStep() string { return s.errorStep }

// ErrorMessage returns the failure description recorded at rollback, if any.
func (s *Saga) ErrorMessage() string { return s.errorMessage }

// CreatedAt returns when the saga was registered.
func (s *Saga) CreatedAt() time.Time { return s.createdAt }

// CommittedAt returns when the saga committed, zero if it has not.
func (s *Saga) CommittedAt() time.Time { return s.committedAt }

// RolledBackAt returns when the saga rolled back, zero if it has not.
func (s *Saga) RolledBackAt() time.Time { return s.rolledBackAt }

// TerminalAt returns the terminal timestamp for a committed or rolled-back
// saga and false for one still in flight.
func (s *Saga) TerminalAt() (time.Time, bool) {
	switch s.status {
	case StatusCommitted:
		return s.committedAt, true
	case StatusRolledBack:
		return s.rolledBackAt, true
	}
	return time.Time{}, false
}

// RecordStep appends a completed step to the saga's context. Recording against
// a terminal saga is rejected with ErrSagaTerminal: a late step completion
// after commit or rollback indicates a coordination bug the caller must see.
func (s *Saga) RecordStep(stepName string, result json.RawMessage, now time.Time) error {
	if s.status.IsTerminal() {
		return fmt.Errorf("saga %s: %w", s.sagaID, ErrSagaTerminal)
	}

	s.steps = append(s.steps, StepRecord{Name: stepName, Result: result, RecordedAt: now})

	if s.status == StatusCreated {
		if err := s.status.validateTransition(StatusInProgress); err != nil {
			return err
		}
		s.status = StatusInProgress
	}
	return nil
}

// Commit transitions the saga to its successful terminal state.
func (s *Saga) Commit(now time.Time) error {
	if s.status == StatusCommitted {
		return ErrSagaTerminal
	}
	if err := s.status.validateTransition(StatusCommitted); err != nil {
		return err
	}
	s.status = StatusCommitted
	s.committedAt = now
	return nil
}

// Rollback transitions the saga to its failed terminal state, recording where
// and why the workflow broke.
func (s *Saga) Rollback(errorStep, errorMessage string, now time.Time) error {
	if err := s.status.validateTransition(StatusRolledBack); err != nil {
		return err
	}
	s.status = StatusRolledBack
	s.errorStep = errorStep
	s.errorMessage = errorMessage
	s.rolledBackAt = now
	return nil
}

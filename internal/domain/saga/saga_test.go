package saga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestNewSaga_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSaga("", "subscription_signup", 3, testTime)
	assert.Error(t, err)

	_, err = NewSaga("saga-1", "subscription_signup", 0, testTime)
	assert.Error(t, err)

	s, err := NewSaga("saga-1", "subscription_signup", 3, testTime)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, s.Status())
	assert.Equal(t, 0, s.StepsCompleted())
	assert.Equal(t, testTime, s.CreatedAt())
}

func TestSaga_RecordStepOrdering(t *testing.T) {
	t.Parallel()

	s, err := NewSaga("saga-1", "order_fulfillment", 3, testTime)
	require.NoError(t, err)

	require.NoError(t, s.RecordStep("reserve_stock", json.RawMessage(`{"sku":"A"}`), testTime))
	assert.Equal(t, StatusInProgress, s.Status())

	require.NoError(t, s.RecordStep("charge_payment", json.RawMessage(`{"amount":10}`), testTime.Add(time.Second)))
	require.NoError(t, s.RecordStep("ship", nil, testTime.Add(2*time.Second)))

	steps := s.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, "reserve_stock", steps[0].Name)
	assert.Equal(t, "charge_payment", steps[1].Name)
	assert.Equal(t, "ship", steps[2].Name)
}

func TestSaga_RecordStepAfterTerminalRejected(t *testing.T) {
	t.Parallel()

	s, err := NewSaga("saga-1", "order_fulfillment", 2, testTime)
	require.NoError(t, err)
	require.NoError(t, s.RecordStep("reserve_stock", nil, testTime))
	require.NoError(t, s.Commit(testTime.Add(time.Minute)))

	err = s.RecordStep("late_step", nil, testTime.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrSagaTerminal)
	assert.Equal(t, 1, s.StepsCompleted())
}

func TestSaga_CommitAndDoubleCommit(t *testing.T) {
	t.Parallel()

	s, err := NewSaga("saga-1", "order_fulfillment", 1, testTime)
	require.NoError(t, err)
	require.NoError(t, s.RecordStep("only_step", nil, testTime))

	require.NoError(t, s.Commit(testTime.Add(time.Minute)))
	assert.Equal(t, StatusCommitted, s.Status())
	assert.Equal(t, testTime.Add(time.Minute), s.CommittedAt())

	err = s.Commit(testTime.Add(2 * time.Minute))
	assert.ErrorIs(t, err, ErrSagaTerminal)
	// First commit timestamp is preserved.
	assert.Equal(t, testTime.Add(time.Minute), s.CommittedAt())
}

func TestSaga_Rollback(t *testing.T) {
	t.Parallel()

	s, err := NewSaga("saga-1", "order_fulfillment", 3, testTime)
	require.NoError(t, err)
	require.NoError(t, s.RecordStep("reserve_stock", nil, testTime))

	require.NoError(t, s.Rollback("charge_payment", "card declined", testTime.Add(time.Minute)))
	assert.Equal(t, StatusRolledBack, s.Status())
	assert.Equal(t, "charge_payment", s.ErrorStep())
	assert.Equal(t, "card declined", s.ErrorMessage())

	// Rolling back a committed saga is rejected.
	s2, err := NewSaga("saga-2", "order_fulfillment", 1, testTime)
	require.NoError(t, err)
	require.NoError(t, s2.Commit(testTime))
	assert.Error(t, s2.Rollback("x", "y", testTime))
}

func TestSaga_TerminalAt(t *testing.T) {
	t.Parallel()

	s, err := NewSaga("saga-1", "op", 1, testTime)
	require.NoError(t, err)

	_, terminal := s.TerminalAt()
	assert.False(t, terminal)

	require.NoError(t, s.Rollback("step", "boom", testTime.Add(time.Hour)))
	at, terminal := s.TerminalAt()
	assert.True(t, terminal)
	assert.Equal(t, testTime.Add(time.Hour), at)
}

func TestStatus_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from  Status
		to    Status
		valid bool
	}{
		{StatusCreated, StatusInProgress, true},
		{StatusCreated, StatusCommitted, true},
		{StatusCreated, StatusRolledBack, true},
		{StatusInProgress, StatusCommitted, true},
		{StatusInProgress, StatusRolledBack, true},
		{StatusCommitted, StatusRolledBack, false},
		{StatusRolledBack, StatusCommitted, false},
		{StatusCommitted, StatusInProgress, false},
		{StatusInProgress, StatusCreated, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.valid, tt.from.isValidTransition(tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusCommitted, ParseStatus("COMMITTED"))
	assert.Equal(t, StatusUnspecified, ParseStatus("bogus"))
}

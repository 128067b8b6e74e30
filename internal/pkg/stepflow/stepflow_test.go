package stepflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := New(4)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Current())
	assert.Equal(t, 1, m.Highest())
	assert.Equal(t, StatusInProgress, m.Status())

	_, err = New(0)
	assert.Error(t, err)
}

func TestAdvanceCapsAtFinalStep(t *testing.T) {
	m, err := New(3)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := m.Advance()
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Current())
	assert.Equal(t, 3, m.Highest())
}

func TestRetreatFloorsAtOne(t *testing.T) {
	m, err := New(4)
	require.NoError(t, err)
	_, err = m.Advance()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := m.Retreat()
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.Current())
	// Retreating never lowers the high-water mark.
	assert.Equal(t, 2, m.Highest())
}

func TestJumpTo(t *testing.T) {
	m, err := New(5)
	require.NoError(t, err)
	m.Advance()
	m.Advance()
	m.Advance() // highest = 4

	tests := []struct {
		name    string
		step    int
		wantErr error
		wantCur int
	}{
		{name: "back to visited step", step: 2, wantCur: 2},
		{name: "to highest", step: 4, wantCur: 4},
		{name: "beyond highest", step: 5, wantErr: ErrStepNotAccessible, wantCur: 4},
		{name: "below range", step: 0, wantErr: ErrStepNotAccessible, wantCur: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.JumpTo(tt.step)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCur, m.Current())
		})
	}
}

func TestCompleteRequiresFinalStep(t *testing.T) {
	m, err := New(3)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Complete(), ErrNotOnFinalStep)

	m.Advance()
	m.Advance()
	require.NoError(t, m.Complete())
	assert.Equal(t, StatusCompleted, m.Status())

	// Completed sessions refuse movement.
	_, err = m.Advance()
	assert.ErrorIs(t, err, ErrCompleted)
	_, err = m.Retreat()
	assert.ErrorIs(t, err, ErrCompleted)
	assert.ErrorIs(t, m.JumpTo(1), ErrCompleted)
	assert.ErrorIs(t, m.Complete(), ErrCompleted)
}

func TestReopen(t *testing.T) {
	m, err := New(2)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Reopen(), ErrNotCompleted)

	m.Advance()
	require.NoError(t, m.Complete())
	require.NoError(t, m.Reopen())

	assert.Equal(t, StatusInProgress, m.Status())
	assert.Equal(t, 2, m.Current())
	assert.Equal(t, 2, m.Highest())
}

func TestResume(t *testing.T) {
	tests := []struct {
		name        string
		stepCount   int
		current     int
		highest     int
		status      Status
		wantCurrent int
		wantHighest int
		wantErr     bool
	}{
		{name: "in range", stepCount: 5, current: 2, highest: 4, status: StatusInProgress, wantCurrent: 2, wantHighest: 4},
		{name: "current clamped up", stepCount: 5, current: 0, highest: 3, status: StatusInProgress, wantCurrent: 1, wantHighest: 3},
		{name: "shrunk step table", stepCount: 3, current: 5, highest: 6, status: StatusInProgress, wantCurrent: 3, wantHighest: 3},
		{name: "highest below current", stepCount: 5, current: 3, highest: 1, status: StatusInProgress, wantCurrent: 3, wantHighest: 3},
		{name: "completed forces terminal", stepCount: 4, current: 2, highest: 3, status: StatusCompleted, wantCurrent: 4, wantHighest: 4},
		{name: "paused preserved", stepCount: 4, current: 2, highest: 2, status: StatusPaused, wantCurrent: 2, wantHighest: 2},
		{name: "unknown status", stepCount: 4, current: 1, highest: 1, status: Status("gone"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Resume(tt.stepCount, tt.current, tt.highest, tt.status)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCurrent, m.Current())
			assert.Equal(t, tt.wantHighest, m.Highest())
			assert.Equal(t, tt.status, m.Status())
		})
	}
}

func TestPauseAndResume(t *testing.T) {
	m, err := New(3)
	require.NoError(t, err)

	require.NoError(t, m.Pause())
	assert.Equal(t, StatusPaused, m.Status())

	m.ResumeFromPause()
	assert.Equal(t, StatusInProgress, m.Status())

	m.Advance()
	m.Advance()
	require.NoError(t, m.Complete())
	assert.ErrorIs(t, m.Pause(), ErrCompleted)
}

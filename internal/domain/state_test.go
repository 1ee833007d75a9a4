package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		name   string
		from   State
		to     State
		wantOK bool
	}{
		{"created to running", StateCreated, StateRunning, true},
		{"created to removed", StateCreated, StateRemoved, true},
		{"created to paused", StateCreated, StatePaused, false},
		{"created to exited", StateCreated, StateExited, false},
		{"running to paused", StateRunning, StatePaused, true},
		{"running to exited", StateRunning, StateExited, true},
		{"running to removed", StateRunning, StateRemoved, false},
		{"paused to running", StatePaused, StateRunning, true},
		{"paused to exited", StatePaused, StateExited, true},
		{"paused to removed", StatePaused, StateRemoved, false},
		{"exited to running", StateExited, StateRunning, true},
		{"exited to removed", StateExited, StateRemoved, true},
		{"removed is terminal", StateRemoved, StateCreated, false},
		{"removed to running", StateRemoved, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantOK, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStateConflictError_Unwraps(t *testing.T) {
	err := &StateConflictError{ID: "abc", Current: StateCreated, Op: "stop"}
	require.ErrorIs(t, err, ErrStateConflict)
	assert.Contains(t, err.Error(), "abc")
	assert.Contains(t, err.Error(), "stop")
	assert.Contains(t, err.Error(), "created")
}

func TestErrorTaxonomy(t *testing.T) {
	assert.ErrorIs(t, ErrLayerMissing, ErrResourceUnavailable)
	assert.ErrorIs(t, ErrAssemblyConflict, ErrResourceUnavailable)
	assert.ErrorIs(t, ErrUnsupportedIsolation, ErrResourceUnavailable)
	assert.ErrorIs(t, ErrIsolationConflict, ErrResourceUnavailable)

	nf := &NotFoundError{Kind: "container", Ref: "deadbeef"}
	assert.ErrorIs(t, nf, ErrNotFound)

	var ve *ValidationError
	wrapped := &ValidationError{Field: "name", Reason: "already in use"}
	require.True(t, errors.As(wrapped, &ve))
	assert.ErrorIs(t, wrapped, ErrValidation)
}

func TestResourceLimits_Validate(t *testing.T) {
	assert.NoError(t, ResourceLimits{}.Validate())
	assert.NoError(t, ResourceLimits{MemoryBytes: 1 << 28, MemorySwapBytes: 1 << 29}.Validate())

	err := ResourceLimits{MemoryBytes: 1 << 29, MemorySwapBytes: 1 << 28}.Validate()
	assert.ErrorIs(t, err, ErrValidation)

	err = ResourceLimits{CPUQuotaMicros: 50000}.Validate()
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIsolationSpec(t *testing.T) {
	var spec IsolationSpec
	require.NoError(t, spec.Validate())
	for _, d := range AllIsolationDomains {
		assert.Equal(t, IsolationPrivate, spec.Mode(d))
	}

	spec.Network = IsolationModeContainer("abc123")
	require.NoError(t, spec.Validate())
	target, ok := spec.Network.ShareTarget()
	require.True(t, ok)
	assert.Equal(t, "abc123", target)

	spec.Mount = IsolationModeContainer("abc123")
	assert.ErrorIs(t, spec.Validate(), ErrValidation)

	spec = IsolationSpec{PID: "bogus"}
	assert.ErrorIs(t, spec.Validate(), ErrValidation)
}

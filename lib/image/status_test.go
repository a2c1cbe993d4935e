package image

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusQueued, StatusSaving, true},
		{StatusQueued, StatusActive, true},
		{StatusQueued, StatusKilled, true},
		{StatusQueued, StatusDeleted, true},
		{StatusSaving, StatusActive, true},
		{StatusSaving, StatusKilled, true},
		{StatusSaving, StatusDeleted, true},
		{StatusActive, StatusDeleted, true},
		{StatusActive, StatusPendingDelete, true},
		{StatusKilled, StatusDeleted, true},
		{StatusActive, StatusQueued, false},
		{StatusActive, StatusSaving, false},
		{StatusDeleted, StatusActive, false},
		{StatusDeleted, StatusQueued, false},
		{StatusPendingDelete, StatusActive, false},
		{StatusPendingDelete, StatusDeleted, false},
		{StatusKilled, StatusSaving, false},
		{StatusQueued, StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.allowed {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestValidateTransitionUnknownStatus(t *testing.T) {
	require.ErrorIs(t, ValidateTransition("bogus", StatusActive), ErrInvalidTransition)
	require.ErrorIs(t, ValidateTransition(StatusQueued, "bogus"), ErrInvalidTransition)
}

func TestTerminal(t *testing.T) {
	require.True(t, StatusDeleted.Terminal())
	require.True(t, StatusPendingDelete.Terminal())
	require.False(t, StatusQueued.Terminal())
	require.False(t, StatusActive.Terminal())
	require.False(t, Status("bogus").Terminal())
}

package apperr

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := Conflictf("experiment", "exp-1", "status is %s", "RUNNING")
	assert.Equal(t, "conflict: experiment exp-1: status is RUNNING", err.Error())

	err = New(KindNotFound, "dataset", "", nil)
	assert.Equal(t, "not_found: dataset", err.Error())
}

func TestKindOf_ThroughErisWrap(t *testing.T) {
	base := Preconditionf("trained_model", "m-1", "not completed")
	wrapped := eris.Wrap(base, "lifecycle: submit evaluation")

	assert.Equal(t, KindPrecondition, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindPrecondition))
	assert.False(t, Is(wrapped, KindConflict))

	ae, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "trained_model", ae.Entity)
	assert.Equal(t, "m-1", ae.ID)
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(eris.New("boom")))
	assert.False(t, Is(nil, KindNotFound))
}

func TestNotFound(t *testing.T) {
	err := NotFound("event", "ev-9")
	assert.True(t, Is(err, KindNotFound))
	assert.Contains(t, err.Error(), "event ev-9")
}

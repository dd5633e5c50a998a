package fastboot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/fastbootd/pkg"
)

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseSized, "sized"},
		{PhaseTransferring, "transferring"},
		{PhaseComplete, "complete"},
		{Phase(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.phase.String())
		})
	}
}

func TestBufferLifecycle(t *testing.T) {
	b := NewBuffer(DirectionDownload, 8)

	var trace []Phase
	b.Observe(func(dir Direction, from, to Phase) {
		assert.Equal(t, DirectionDownload, dir)
		trace = append(trace, to)
	})

	require.NoError(t, b.Declare(5))
	assert.Equal(t, PhaseSized, b.Phase())
	assert.Nil(t, b.Window(0), "no window before Begin")

	require.NoError(t, b.Begin())
	w := b.Window(3)
	require.Len(t, w, 3)
	copy(w, "abc")
	require.NoError(t, b.Advance(3))
	assert.Nil(t, b.Bytes(), "partial payload must stay hidden")
	assert.EqualValues(t, 2, b.Remaining())

	w = b.Window(0)
	require.Len(t, w, 2)
	copy(w, "de")
	require.NoError(t, b.Advance(2))
	assert.Equal(t, PhaseComplete, b.Phase())
	assert.Nil(t, b.Bytes(), "payload is published by Settle")

	require.NoError(t, b.Settle())
	assert.Equal(t, []byte("abcde"), b.Bytes())
	assert.Equal(t, []Phase{PhaseSized, PhaseTransferring, PhaseComplete, PhaseIdle}, trace)

	// A new declaration drops the old payload.
	require.NoError(t, b.Declare(2))
	assert.Nil(t, b.Bytes())
}

func TestBufferDeclareErrors(t *testing.T) {
	b := NewBuffer(DirectionDownload, 16)

	err := b.Declare(17)
	var limit *pkg.SizeLimitError
	require.ErrorAs(t, err, &limit)
	assert.EqualValues(t, 17, limit.Size)
	assert.EqualValues(t, 16, limit.Limit)
	assert.ErrorIs(t, err, pkg.ErrSizeLimitExceeded)
	assert.Equal(t, PhaseIdle, b.Phase())

	assert.ErrorIs(t, b.Declare(-1), pkg.ErrInvalidParameter)
	assert.Equal(t, PhaseIdle, b.Phase())

	require.NoError(t, b.Declare(16))
	assert.ErrorIs(t, b.Declare(1), pkg.ErrInvalidPhase)
}

func TestBufferPhaseErrors(t *testing.T) {
	b := NewBuffer(DirectionUpload, 16)

	assert.ErrorIs(t, b.Begin(), pkg.ErrInvalidPhase)
	assert.ErrorIs(t, b.Advance(1), pkg.ErrInvalidPhase)
	assert.ErrorIs(t, b.Settle(), pkg.ErrInvalidPhase)

	require.NoError(t, b.Declare(4))
	require.NoError(t, b.Begin())
	assert.ErrorIs(t, b.Advance(5), pkg.ErrOverrun)
	assert.ErrorIs(t, b.Advance(-1), pkg.ErrOverrun)
	assert.ErrorIs(t, b.Settle(), pkg.ErrInvalidPhase)
}

func TestBufferAbort(t *testing.T) {
	b := NewBuffer(DirectionDownload, 16)
	require.NoError(t, b.Declare(8))
	require.NoError(t, b.Begin())
	require.NoError(t, b.Advance(4))

	b.Abort()
	assert.Equal(t, PhaseIdle, b.Phase())
	assert.Nil(t, b.Bytes())
	assert.Zero(t, b.Size())
	assert.Zero(t, b.Transferred())

	// Abort of a settled buffer also drops the payload.
	require.NoError(t, b.Stage([]byte("xy")))
	require.NoError(t, b.Begin())
	require.NoError(t, b.Advance(2))
	require.NoError(t, b.Settle())
	require.NotNil(t, b.Bytes())
	b.Abort()
	assert.Nil(t, b.Bytes())
}

func TestBufferStage(t *testing.T) {
	b := NewBuffer(DirectionUpload, 4)

	src := []byte("abcd")
	require.NoError(t, b.Stage(src))
	src[0] = 'X'

	require.NoError(t, b.Begin())
	assert.Equal(t, []byte("abcd"), b.Window(0), "Stage copies its input")

	b.Abort()
	assert.ErrorIs(t, b.Stage([]byte("abcde")), pkg.ErrSizeLimitExceeded)
}

func TestBufferStageFunc(t *testing.T) {
	b := NewBuffer(DirectionUpload, 8)

	var filled []byte
	require.NoError(t, b.StageFunc(4, func(p []byte) error {
		filled = p
		copy(p, "wxyz")
		return nil
	}))
	assert.Equal(t, PhaseSized, b.Phase())
	require.NoError(t, b.Begin())
	window := b.Window(0)
	assert.Equal(t, []byte("wxyz"), window)
	assert.Same(t, &filled[0], &window[0], "payload is produced in place")

	b.Abort()
	errFill := errors.New("fill failed")
	assert.ErrorIs(t, b.StageFunc(4, func([]byte) error { return errFill }), errFill)
	assert.Equal(t, PhaseIdle, b.Phase())
	assert.ErrorIs(t, b.StageFunc(9, func([]byte) error { return nil }), pkg.ErrSizeLimitExceeded)
}

func TestBufferZeroLength(t *testing.T) {
	b := NewBuffer(DirectionDownload, 4)
	require.NoError(t, b.Declare(0))
	require.NoError(t, b.Begin())
	assert.Equal(t, PhaseComplete, b.Phase())
	require.NoError(t, b.Settle())
	assert.Equal(t, []byte{}, b.Bytes())
}

func TestBufferReusesStorage(t *testing.T) {
	b := NewBuffer(DirectionDownload, 64)
	require.NoError(t, b.Declare(32))
	require.NoError(t, b.Begin())
	require.NoError(t, b.Advance(32))
	require.NoError(t, b.Settle())
	kept := &b.Bytes()[0]

	require.NoError(t, b.Declare(16))
	require.NoError(t, b.Begin())
	assert.Same(t, kept, &b.Window(0)[0], "settled storage is reused by the next transfer")
}

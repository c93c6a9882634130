package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/testutil"
)

func TestStack_FirstSuccessWins(t *testing.T) {
	failing := &stubSink{err: storeError("duckdb", "insert", errors.New("locked"))}
	ok := &stubSink{id: "second"}
	unused := &stubSink{id: "third"}

	s := NewStack(testutil.NewTestLogger(t), failing, ok, unused)

	id, err := s.Persist(context.Background(), testRecord())
	require.NoError(t, err)
	assert.Equal(t, RecordID("second"), id)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
	assert.Zero(t, unused.calls)
}

func TestStack_AllFail(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	s := NewStack(testutil.NewTestLogger(t), &stubSink{err: errA}, &stubSink{err: errB})

	_, err := s.Persist(context.Background(), testRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestStack_StopsOnCancelledContext(t *testing.T) {
	first := &stubSink{err: errors.New("down")}
	second := &stubSink{id: "x"}
	s := NewStack(testutil.NewTestLogger(t), first, second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Persist(ctx, testRecord())
	assert.ErrorIs(t, err, ErrStore)
	assert.Zero(t, second.calls)
}

func TestStack_Empty(t *testing.T) {
	s := NewStack(testutil.NewTestLogger(t))

	_, err := s.Persist(context.Background(), testRecord())
	assert.ErrorIs(t, err, ErrStore)
	assert.False(t, s.Ready())
}

func TestStack_Ready(t *testing.T) {
	s := NewStack(testutil.NewTestLogger(t), &stubSink{}, &stubSink{ready: true})
	assert.True(t, s.Ready())
}

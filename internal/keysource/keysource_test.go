package keysource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedLifecycle(t *testing.T) {
	s := NewSimulated()

	_, err := s.Emit(RawEvent{Code: 1, Down: true})
	assert.ErrorIs(t, err, ErrNotRunning)

	var got []RawEvent
	require.NoError(t, s.Start(context.Background(), func(ev RawEvent) Verdict {
		got = append(got, ev)
		return Pass
	}))
	assert.ErrorIs(t, s.Start(context.Background(), nil), ErrAlreadyRunning)

	v, err := s.Press(30, time.Second, 80*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, [2]Verdict{Pass, Pass}, v)
	require.Len(t, got, 2)
	assert.Equal(t, RawEvent{Code: 30, Down: true, At: time.Second}, got[0])
	assert.Equal(t, RawEvent{Code: 30, At: time.Second + 80*time.Millisecond}, got[1])

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	_, err = s.Emit(RawEvent{})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSimulatedStartCancelledContext(t *testing.T) {
	s := NewSimulated()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Start(ctx, func(RawEvent) Verdict { return Pass }), context.Canceled)
}

func TestSimulatedSuppressionSwallowsBeforeHandler(t *testing.T) {
	s := NewSimulated()
	calls := 0
	require.NoError(t, s.Start(context.Background(), func(RawEvent) Verdict {
		calls++
		return Pass
	}))

	require.NoError(t, s.SetSuppressed(true))
	v, err := s.Emit(RawEvent{Code: 2, Down: true})
	require.NoError(t, err)
	assert.Equal(t, Suppress, v)
	assert.Equal(t, 0, calls)

	require.NoError(t, s.SetSuppressed(false))
	v, err = s.Emit(RawEvent{Code: 2})
	require.NoError(t, err)
	assert.Equal(t, Pass, v)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []bool{true, false}, s.Toggles())
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "pass", Pass.String())
	assert.Equal(t, "suppress", Suppress.String())
}

func TestNewReturnsPlatformSource(t *testing.T) {
	src := New(Options{})
	require.NotNil(t, src)
	_, reason := src.Available()
	assert.NotEmpty(t, reason)
	assert.NotEmpty(t, Describe(src))
}

func TestDescribeSimulated(t *testing.T) {
	assert.Equal(t, "simulated", Describe(NewSimulated()))
}

package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_TerminalAfterRetries(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}
	res, err := Poll(context.Background(), fetch, func(v int) bool { return v >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value)
	assert.True(t, res.Seen)
}

func TestPoll_FetchErrorsAreNotTerminal(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("blip")
		}
		return "done", nil
	}
	res, err := Poll(context.Background(), fetch, func(v string) bool { return v == "done" }, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Value)
	assert.Equal(t, 3, calls)
}

func TestPoll_TimeoutKeepsLastValue(t *testing.T) {
	fetch := func(ctx context.Context) (int, error) { return 7, nil }
	res, err := Poll(context.Background(), fetch, func(int) bool { return false }, 20*time.Millisecond, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, res.Seen)
	assert.Equal(t, 7, res.Value)
}

func TestPoll_TimeoutWithoutObservation(t *testing.T) {
	fetch := func(ctx context.Context) (int, error) { return 0, errors.New("down") }
	res, err := Poll(context.Background(), fetch, func(int) bool { return true }, 15*time.Millisecond, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, res.Seen)
}

func TestPoll_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(ctx context.Context) (int, error) { return 1, nil }
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Poll(ctx, fetch, func(int) bool { return false }, time.Minute, 5*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}

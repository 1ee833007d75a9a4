package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wharfd/wharfd/internal/domain"
)

func TestParseSignal(t *testing.T) {
	cases := []struct {
		in   string
		want unix.Signal
		ok   bool
	}{
		{"", unix.SIGTERM, true},
		{"9", unix.SIGKILL, true},
		{"KILL", unix.SIGKILL, true},
		{"SIGKILL", unix.SIGKILL, true},
		{"sigusr1", unix.SIGUSR1, true},
		{"TERM", unix.SIGTERM, true},
		{"64", unix.Signal(64), true},
		{"0", 0, false},
		{"65", 0, false},
		{"SIGBOGUS", 0, false},
		{"-3", 0, false},
	}
	for _, tc := range cases {
		sig, err := ParseSignal(tc.in)
		if !tc.ok {
			assert.ErrorIs(t, err, domain.ErrValidation, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, sig, "input %q", tc.in)
	}
}

func TestParseStartClock(t *testing.T) {
	// comm may contain spaces and parentheses; fields count from the last ")".
	stat := "1234 (my (weird) cmd) S 1 1234 1234 0 -1 4194560 100 0 0 0 2 1 0 0 20 0 1 0 987654 1000000 50"
	clock, err := parseStartClock(stat)
	require.NoError(t, err)
	assert.EqualValues(t, 987654, clock)

	_, err = parseStartClock("garbage with no comm")
	assert.Error(t, err)
}

func TestFake_SpawnAndExit(t *testing.T) {
	f := NewFake()

	h, err := f.Spawn(context.Background(), SpawnSpec{ContainerID: "c1", Args: []string{"sleep"}})
	require.NoError(t, err)
	assert.True(t, f.Alive(h.PID(), h.StartClock()))
	assert.False(t, f.Alive(h.PID(), h.StartClock()+1), "stale start clock must not match")

	require.NoError(t, h.Confirm())
	require.NoError(t, h.Signal(unix.SIGTERM))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle never exited")
	}
	out := h.Outcome()
	assert.Equal(t, domain.ExitSignaled, out.Reason)
	assert.Equal(t, "SIGTERM", out.Signal)

	assert.Eventually(t, func() bool {
		return !f.Alive(h.PID(), h.StartClock())
	}, time.Second, 10*time.Millisecond)
}

func TestFake_IgnoreTermNeedsKill(t *testing.T) {
	f := NewFake()
	f.IgnoreTerm = true

	h, err := f.Spawn(context.Background(), SpawnSpec{ContainerID: "c1", Args: []string{"trap"}})
	require.NoError(t, err)

	require.NoError(t, h.Signal(unix.SIGTERM))
	select {
	case <-h.Done():
		t.Fatal("SIGTERM should have been ignored")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, h.Signal(unix.SIGKILL))
	<-h.Done()
	assert.Equal(t, "SIGKILL", h.Outcome().Signal)
	assert.Equal(t, 137, h.Outcome().Code)
}

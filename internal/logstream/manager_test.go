package logstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharfd/wharfd/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func drain(t *testing.T, ch <-chan Entry) []Entry {
	t.Helper()
	var out []Entry
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(time.Second):
			t.Fatal("log channel did not close")
		}
	}
}

func TestManager_WriteThenRead(t *testing.T) {
	m := newTestManager(t)

	stdout, err := m.OpenWriter("c1", "stdout")
	require.NoError(t, err)
	stderr, err := m.OpenWriter("c1", "stderr")
	require.NoError(t, err)

	_, err = stdout.Write([]byte("hello\nwor"))
	require.NoError(t, err)
	_, err = stderr.Write([]byte("oops\n"))
	require.NoError(t, err)
	_, err = stdout.Write([]byte("ld\n"))
	require.NoError(t, err)
	require.NoError(t, stdout.Close())
	require.NoError(t, stderr.Close())
	m.Close("c1")

	ch, err := m.Read(context.Background(), "c1", false)
	require.NoError(t, err)
	entries := drain(t, ch)

	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Stream: entries[0].Stream, Time: entries[0].Time, Line: "hello"}, entries[0])
	assert.Equal(t, "stdout", entries[0].Stream)
	assert.Equal(t, "oops", entries[1].Line)
	assert.Equal(t, "stderr", entries[1].Stream)
	// Split writes reassemble into one line.
	assert.Equal(t, "world", entries[2].Line)
}

func TestManager_ReadMissingLog(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Read(context.Background(), "ghost", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_FollowDeliversLiveLines(t *testing.T) {
	m := newTestManager(t)

	w, err := m.OpenWriter("c1", "stdout")
	require.NoError(t, err)
	_, err = w.Write([]byte("before\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := m.Read(ctx, "c1", true)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "before", first.Line)

	_, err = w.Write([]byte("after\n"))
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, "after", e.Line)
	case <-time.After(time.Second):
		t.Fatal("live line never arrived")
	}

	// Closing the container's log ends the follow.
	m.Close("c1")
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("follow did not end on close")
	}
}

func TestManager_IndependentFollowers(t *testing.T) {
	m := newTestManager(t)
	w, err := m.OpenWriter("c1", "stdout")
	require.NoError(t, err)

	ctx := context.Background()
	a, err := m.Read(ctx, "c1", true)
	require.NoError(t, err)
	b, err := m.Read(ctx, "c1", true)
	require.NoError(t, err)

	_, err = w.Write([]byte("broadcast\n"))
	require.NoError(t, err)

	for _, ch := range []<-chan Entry{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, "broadcast", e.Line)
		case <-time.After(time.Second):
			t.Fatal("follower missed the line")
		}
	}
	m.Close("c1")
}

func TestManager_RemoveDeletesLog(t *testing.T) {
	m := newTestManager(t)
	w, err := m.OpenWriter("c1", "stdout")
	require.NoError(t, err)
	_, err = w.Write([]byte("gone\n"))
	require.NoError(t, err)

	require.NoError(t, m.Remove("c1"))
	_, err = m.Read(context.Background(), "c1", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Removing again is fine.
	assert.NoError(t, m.Remove("c1"))
}

func TestManager_RestartAppends(t *testing.T) {
	m := newTestManager(t)

	w, err := m.OpenWriter("c1", "stdout")
	require.NoError(t, err)
	_, err = w.Write([]byte("run1\n"))
	require.NoError(t, err)
	m.Close("c1")

	w, err = m.OpenWriter("c1", "stdout")
	require.NoError(t, err)
	_, err = w.Write([]byte("run2\n"))
	require.NoError(t, err)
	m.Close("c1")

	ch, err := m.Read(context.Background(), "c1", false)
	require.NoError(t, err)
	entries := drain(t, ch)
	require.Len(t, entries, 2)
	assert.Equal(t, "run1", entries[0].Line)
	assert.Equal(t, "run2", entries[1].Line)
}

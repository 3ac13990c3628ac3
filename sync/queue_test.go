package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassQueue_PushPop(t *testing.T) {
	q := NewPassQueue()

	assert.True(t, q.Push("photos"))
	assert.True(t, q.Push("docs"))
	assert.Equal(t, 2, q.Len())

	done := make(chan struct{})
	name, ok := q.Pop(done)
	require.True(t, ok)
	assert.Equal(t, "photos", name)

	name, ok = q.Pop(done)
	require.True(t, ok)
	assert.Equal(t, "docs", name)

	assert.Equal(t, 0, q.Len())
}

func TestPassQueue_Coalesces(t *testing.T) {
	q := NewPassQueue()

	assert.True(t, q.Push("photos"))
	assert.False(t, q.Push("photos"))
	assert.False(t, q.Push("photos"))

	assert.Equal(t, 1, q.Len())
}

func TestPassQueue_RequeueAfterPop(t *testing.T) {
	q := NewPassQueue()
	q.Push("photos")

	_, ok := q.Pop(make(chan struct{}))
	require.True(t, ok)

	// Once a pass has been taken, the pair can be queued again.
	assert.True(t, q.Push("photos"))
	assert.True(t, q.Has("photos"))
}

func TestPassQueue_Has(t *testing.T) {
	q := NewPassQueue()
	q.Push("a")

	assert.True(t, q.Has("a"))
	assert.False(t, q.Has("b"))
}

func TestPassQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewPassQueue()
	done := make(chan struct{})

	result := make(chan string, 1)
	go func() {
		name, ok := q.Pop(done)
		if ok {
			result <- name
		}
	}()

	// Give goroutine time to block
	time.Sleep(20 * time.Millisecond)
	q.Push("late")

	select {
	case name := <-result:
		assert.Equal(t, "late", name)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestPassQueue_PopCancelled(t *testing.T) {
	q := NewPassQueue()
	done := make(chan struct{})

	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(done)
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	close(done)

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after done closed")
	}
}

func TestPassQueue_Drain(t *testing.T) {
	q := NewPassQueue()
	q.Push("a")
	q.Push("b")
	q.Push("c")

	assert.Equal(t, []string{"a", "b", "c"}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Has("a"))

	// Items can be pushed again after drain.
	assert.True(t, q.Push("a"))
}

package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	_ Sender[int]   = (*Buffered[int])(nil)
	_ Receiver[int] = (*Buffered[int])(nil)
	_ Sender[int]   = (*Latest[int])(nil)
	_ Poller[int]   = (*Latest[int])(nil)
)

func TestBuffered_DropsWhenFull(t *testing.T) {
	b := NewBuffered[int](2)

	assert.True(t, b.TrySend(1))
	assert.True(t, b.TrySend(2))
	assert.False(t, b.TrySend(3))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(1), b.Dropped())

	assert.Equal(t, 1, <-b.Receive())
	assert.True(t, b.TrySend(4))
}

func TestBuffered_CloseIsIdempotent(t *testing.T) {
	b := NewBuffered[string](1)
	b.TrySend("a")
	b.Close()
	b.Close()

	assert.False(t, b.TrySend("b"))
	v, ok := <-b.Receive()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = <-b.Receive()
	assert.False(t, ok)
}

func TestLatest_PollReturnsOnlyNewValues(t *testing.T) {
	l := NewLatest[int]()

	_, ok := l.Poll()
	assert.False(t, ok)

	l.TrySend(1)
	l.TrySend(2)
	v, ok := l.Poll()
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = l.Poll()
	assert.False(t, ok)

	sets, overrun := l.Stats()
	assert.Equal(t, uint64(2), sets)
	assert.Equal(t, uint64(1), overrun)
}

func TestLatest_ReadySignalsAfterSend(t *testing.T) {
	l := NewLatest[int]()
	l.TrySend(5)

	select {
	case <-l.Ready():
	default:
		t.Fatal("expected ready signal")
	}
}

func TestLatest_Close(t *testing.T) {
	l := NewLatest[int]()
	l.TrySend(9)
	l.Close()

	assert.False(t, l.TrySend(10))
	v, ok := l.Poll()
	assert.True(t, ok)
	assert.Equal(t, 9, v)
}

func TestLatest_DoneClosedOnce(t *testing.T) {
	l := NewLatest[int]()
	select {
	case <-l.Done():
		t.Fatal("done before close")
	default:
	}

	l.Close()
	l.Close()
	select {
	case <-l.Done():
	default:
		t.Fatal("expected done after close")
	}
}

func TestLatest_ConcurrentSendPoll(t *testing.T) {
	l := NewLatest[int]()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			l.TrySend(i)
		}
	}()

	last := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if v, ok := l.Poll(); ok {
				if v < last {
					t.Errorf("went backwards: %d after %d", v, last)
					return
				}
				last = v
			}
		}
	}()
	wg.Wait()
}

package queue

import (
	"sync"
	"testing"
)

type row struct {
	Tick   uint64
	Player int
}

func TestQueue_Empty(t *testing.T) {
	q := New[row](4)
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected Pop on empty queue to fail")
	}
	if got := q.Drain(0); got != nil {
		t.Errorf("expected nil drain, got %v", got)
	}
}

func TestQueue_MinimumCapacity(t *testing.T) {
	q := New[row](0)
	if q.Cap() != 1 {
		t.Fatalf("expected capacity 1, got %d", q.Cap())
	}
	q.Push(row{Tick: 1}, row{Tick: 2})
	got, ok := q.Pop()
	if !ok || got.Tick != 2 {
		t.Errorf("expected newest item to survive, got %+v", got)
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := New[row](4)
	q.Push(row{Tick: 1}, row{Tick: 2})
	q.Push(row{Tick: 3})

	for want := uint64(1); want <= 3; want++ {
		got, ok := q.Pop()
		if !ok || got.Tick != want {
			t.Fatalf("expected tick %d, got %+v (ok=%v)", want, got, ok)
		}
	}
}

func TestQueue_EvictsOldest(t *testing.T) {
	q := New[row](3)
	if n := q.Push(row{Tick: 1}, row{Tick: 2}, row{Tick: 3}); n != 0 {
		t.Errorf("expected no eviction, got %d", n)
	}
	if n := q.Push(row{Tick: 4}, row{Tick: 5}); n != 2 {
		t.Errorf("expected 2 evictions, got %d", n)
	}
	if q.Dropped() != 2 {
		t.Errorf("expected dropped 2, got %d", q.Dropped())
	}

	got := q.Drain(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	for i, want := range []uint64{3, 4, 5} {
		if got[i].Tick != want {
			t.Errorf("item %d: expected tick %d, got %d", i, want, got[i].Tick)
		}
	}
}

func TestQueue_DrainLimit(t *testing.T) {
	q := New[row](8)
	for i := 1; i <= 5; i++ {
		q.Push(row{Tick: uint64(i)})
	}

	first := q.Drain(2)
	if len(first) != 2 || first[0].Tick != 1 || first[1].Tick != 2 {
		t.Errorf("unexpected first batch %+v", first)
	}
	if q.Len() != 3 {
		t.Errorf("expected 3 left, got %d", q.Len())
	}

	// wrap around the ring
	q.Push(row{Tick: 6}, row{Tick: 7}, row{Tick: 8}, row{Tick: 9})
	rest := q.Drain(0)
	if len(rest) != 7 || rest[0].Tick != 3 || rest[6].Tick != 9 {
		t.Errorf("unexpected rest %+v", rest)
	}
}

func TestQueue_PushFront(t *testing.T) {
	q := New[row](4)
	q.Push(row{Tick: 3})
	if n := q.PushFront(row{Tick: 1}, row{Tick: 2}); n != 0 {
		t.Errorf("expected nothing dropped, got %d", n)
	}
	got := q.Drain(0)
	if len(got) != 3 || got[0].Tick != 1 || got[1].Tick != 2 || got[2].Tick != 3 {
		t.Errorf("unexpected order %+v", got)
	}

	q.Push(row{Tick: 7}, row{Tick: 8}, row{Tick: 9})
	if n := q.PushFront(row{Tick: 4}, row{Tick: 5}, row{Tick: 6}); n != 2 {
		t.Errorf("expected 2 dropped, got %d", n)
	}
	got = q.Drain(0)
	if len(got) != 4 || got[0].Tick != 6 || got[3].Tick != 9 {
		t.Errorf("expected the oldest requeued items to be dropped, got %+v", got)
	}
	if q.Dropped() != 2 {
		t.Errorf("expected dropped count 2, got %d", q.Dropped())
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := New[row](10000)
	var wg sync.WaitGroup

	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(row{Tick: uint64(i), Player: w})
			}
		}(w)
	}
	wg.Wait()

	if q.Len() != 1000 {
		t.Fatalf("expected 1000 items, got %d", q.Len())
	}

	var (
		mu  sync.Mutex
		got int
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch := q.Drain(7)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				got += len(batch)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got != 1000 {
		t.Errorf("expected to drain 1000 items, got %d", got)
	}
}

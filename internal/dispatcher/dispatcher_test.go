package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingLogger keeps every line it is given, keyed by level.
type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
}

type logLine struct {
	level string
	msg   string
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	l.lines = append(l.lines, logLine{level, msg})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if line.level == level {
			n++
		}
	}
	return n
}

func setup(t *testing.T) (*Dispatcher, *recordingLogger) {
	t.Helper()
	log := &recordingLogger{}
	d, err := New(log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d, log
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := setup(t)

	var got Event
	d.Register("get3D", func(e Event) (any, error) {
		got = e
		return "result", nil
	})

	result, err := d.Dispatch(Event{Command: "get3D", Args: []string{"160", "120"}})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "result" {
		t.Errorf("expected 'result', got %v", result)
	}
	if len(got.Args) != 2 || got.Args[0] != "160" {
		t.Errorf("unexpected args: %v", got.Args)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected dispatch to stamp the event")
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d, _ := setup(t)

	_, err := d.Dispatch(Event{Command: "reset"})

	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := setup(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register("players", func(e Event) (any, error) {
		processed.Add(1)
		wg.Done()
		return nil, nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		result, err := d.Dispatch(Event{Command: "players", Payload: i})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if result != nil {
			t.Errorf("expected nil result for a queued event, got %v", result)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := setup(t)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Register("players", func(e Event) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil, nil
	}, Buffered(2))

	d.Dispatch(Event{Command: "players"}) // being processed
	<-started
	d.Dispatch(Event{Command: "players"}) // queued
	d.Dispatch(Event{Command: "players"}) // queued

	_, err := d.Dispatch(Event{Command: "players"})

	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestDispatcher_SerializedHandlersDoNotOverlap(t *testing.T) {
	d, _ := setup(t)

	var inFlight, maxInFlight atomic.Int32
	h := func(e Event) (any, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}
	d.Register("ping", h, Serialized())
	d.Register("get3D", h, Serialized())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		cmd := "ping"
		if i%2 == 0 {
			cmd = "get3D"
		}
		go func() {
			defer wg.Done()
			d.Dispatch(Event{Command: cmd})
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("expected at most one handler in flight, saw %d", maxInFlight.Load())
	}
}

func TestDispatcher_Logged(t *testing.T) {
	for _, tc := range []struct {
		name   string
		fail   bool
		errors int
	}{
		{"success", false, 0},
		{"failure", true, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, log := setup(t)
			d.Register("get3D", func(e Event) (any, error) {
				if tc.fail {
					return nil, errors.New("pixel out of range")
				}
				return "ok", nil
			}, Logged())

			d.Dispatch(Event{Command: "get3D", Args: []string{"1", "2"}})

			if n := log.count("debug"); n == 0 {
				t.Error("no debug line for the handled command")
			}
			if n := log.count("error"); n != tc.errors {
				t.Errorf("error lines = %d, want %d", n, tc.errors)
			}
		})
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := setup(t)
	d.Register("ping", func(e Event) (any, error) { return nil, nil })

	for cmd, want := range map[string]bool{"ping": true, "get3D": false, "": false} {
		if got := d.HasHandler(cmd); got != want {
			t.Errorf("HasHandler(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	d, err := New(&recordingLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var processed atomic.Int32
	d.Register("players", func(e Event) (any, error) {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil, nil
	}, Buffered(10))

	for i := 0; i < 5; i++ {
		d.Dispatch(Event{Command: "players"})
	}
	d.Close()
	d.Close()

	if processed.Load() != 5 {
		t.Errorf("expected 5 processed after close, got %d", processed.Load())
	}
	if _, err := d.Dispatch(Event{Command: "players"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestDispatcher_Commands(t *testing.T) {
	d, _ := setup(t)

	d.Register("tick", func(e Event) (any, error) { return nil, nil }, Buffered(1))
	d.Register("ping", func(e Event) (any, error) { return nil, nil })
	d.Register("get3D", func(e Event) (any, error) { return nil, nil })

	got := d.Commands()
	want := []string{"get3D", "ping", "tick"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDispatcher_RegisterReplaces(t *testing.T) {
	d, _ := setup(t)

	d.Register("ping", func(e Event) (any, error) { return "old", nil })
	d.Register("ping", func(e Event) (any, error) { return "new", nil })

	result, err := d.Dispatch(Event{Command: "ping"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "new" {
		t.Errorf("expected the second handler to win, got %v", result)
	}
}

func TestDispatcher_SyncHandlerAfterClose(t *testing.T) {
	d, _ := setup(t)
	d.Register("ping", func(e Event) (any, error) { return "ok", nil })
	d.Close()

	result, err := d.Dispatch(Event{Command: "ping"})
	if err != nil || result != "ok" {
		t.Errorf("rpc handlers keep answering after close, got %v %v", result, err)
	}
}

package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/depthwire/kinectwrapper/pkg/core"
)

// DefaultInterval is how often the status file is rewritten.
const DefaultInterval = time.Second

// ServerSource is the part of the server the monitor reads.
type ServerSource interface {
	Info() core.ServerInfo
	Seq() uint64
}

// RecorderSource reports the skeleton recorder queue.
type RecorderSource interface {
	Pending() int
	Dropped() uint64
}

// InfluxSource reports the tick sink.
type InfluxSource interface {
	Written() uint64
}

// Dependencies holds all dependencies for the monitor service. Recorder and
// Influx are optional.
type Dependencies struct {
	Server     ServerSource
	Recorder   RecorderSource
	Influx     InfluxSource
	Logger     *slog.Logger
	StatusFile string
	Interval   time.Duration
}

// Status is one snapshot of the running server.
type Status struct {
	Time         time.Time     `json:"time"`
	Mode         core.InfoMode `json:"mode"`
	Seq          uint64        `json:"seq"`
	TicksPerSec  float64       `json:"ticksPerSec"`
	Pending      int           `json:"recorderPending"`
	Dropped      uint64        `json:"recorderDropped"`
	InfluxPoints uint64        `json:"influxPoints"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}

	lastSeq  uint64
	lastTime time.Time
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus samples the sources. The tick rate is measured against the
// previous call.
func (s *Service) GetStatus(now time.Time) Status {
	st := Status{
		Time: now,
		Mode: s.deps.Server.Info().Mode,
		Seq:  s.deps.Server.Seq(),
	}
	if s.deps.Recorder != nil {
		st.Pending = s.deps.Recorder.Pending()
		st.Dropped = s.deps.Recorder.Dropped()
	}
	if s.deps.Influx != nil {
		st.InfluxPoints = s.deps.Influx.Written()
	}

	s.mu.Lock()
	if !s.lastTime.IsZero() && now.After(s.lastTime) && st.Seq >= s.lastSeq {
		st.TicksPerSec = float64(st.Seq-s.lastSeq) / now.Sub(s.lastTime).Seconds()
	}
	s.lastSeq, s.lastTime = st.Seq, now
	s.mu.Unlock()
	return st
}

// WriteStatus replaces the status file with the current snapshot.
func (s *Service) WriteStatus(now time.Time) error {
	b, err := json.MarshalIndent(s.GetStatus(now), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	tmp := s.deps.StatusFile + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0644); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}
	return os.Rename(tmp, s.deps.StatusFile)
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if s.deps.Server == nil || s.deps.StatusFile == "" {
		s.mu.Unlock()
		return fmt.Errorf("monitor needs a server and a status file")
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		logger := s.deps.Logger
		logger.Debug("Starting status monitor", "file", s.deps.StatusFile)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if err := s.WriteStatus(now); err != nil {
					logger.Error("Error writing status file", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop stops the status monitor and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}

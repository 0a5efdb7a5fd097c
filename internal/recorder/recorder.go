// Package recorder persists the skeletons published by the acquisition
// loop. Samples are queued without blocking the loop and written in
// batches by a background flusher.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/depthwire/kinectwrapper/internal/dispatcher"
	"github.com/depthwire/kinectwrapper/internal/queue"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

// ErrBadPayload is returned by Handle when the event does not carry a
// core.PlayersSample.
var ErrBadPayload = errors.New("recorder: event payload is not a players sample")

// Options size the write path.
type Options struct {
	BatchSize     int
	QueueSize     int
	FlushInterval time.Duration
}

// Recorder writes skeleton records of one session.
type Recorder struct {
	db      *gorm.DB
	session Session
	queue   *queue.Queue[SkeletonRecord]
	opts    Options
	log     zerolog.Logger

	flushMu sync.Mutex
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New registers a session row and returns a recorder for it.
func New(db *gorm.DB, session Session, opts Options, log zerolog.Logger) (*Recorder, error) {
	if opts.BatchSize < 1 {
		opts.BatchSize = 64
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	if err := db.Create(&session).Error; err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &Recorder{
		db:      db,
		session: session,
		queue:   queue.New[SkeletonRecord](opts.QueueSize),
		opts:    opts,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Session returns the session row of this recorder.
func (r *Recorder) Session() Session {
	return r.session
}

// Start runs the periodic flusher until ctx ends or Close is called.
func (r *Recorder) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.Flush(); err != nil {
					r.log.Error().Err(err).Msg("Flushing skeleton records failed")
				}
			}
		}
	}()
}

// Record queues the players of one tick. Oldest records are evicted when
// the queue is full.
func (r *Recorder) Record(s core.PlayersSample) error {
	recs, err := recordsFrom(r.session.ID, s)
	if err != nil {
		return err
	}
	if evicted := r.queue.Push(recs...); evicted > 0 {
		r.log.Warn().Int("evicted", evicted).Msg("Recorder queue full, dropped oldest records")
	}
	return nil
}

// Handle is the dispatcher handler for players events.
func (r *Recorder) Handle(e dispatcher.Event) (any, error) {
	s, ok := e.Payload.(core.PlayersSample)
	if !ok {
		return nil, ErrBadPayload
	}
	return nil, r.Record(s)
}

// Pending returns the number of queued records.
func (r *Recorder) Pending() int {
	return r.queue.Len()
}

// Dropped returns how many records were evicted unwritten.
func (r *Recorder) Dropped() uint64 {
	return r.queue.Dropped()
}

// Flush writes every queued record in batches.
func (r *Recorder) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	for {
		batch := r.queue.Drain(r.opts.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := r.db.CreateInBatches(&batch, r.opts.BatchSize).Error; err != nil {
			for i := range batch {
				batch[i].ID = 0
			}
			if lost := r.queue.PushFront(batch...); lost > 0 {
				r.log.Warn().Int("evicted", lost).Msg("Recorder queue full, dropped oldest records")
			}
			return fmt.Errorf("writing %d skeleton records: %w", len(batch), err)
		}
		r.log.Debug().Int("records", len(batch)).Msg("Skeleton records written")
	}
}

// Close stops the flusher and writes what is left.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.stop)
		if r.running.Load() {
			<-r.done
		}
	})
	return r.Flush()
}

// Records returns the stored records of the session ordered by tick.
func (r *Recorder) Records(ctx context.Context) ([]SkeletonRecord, error) {
	var out []SkeletonRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", r.session.ID).
		Order("seq, player_id").
		Find(&out).Error
	return out, err
}

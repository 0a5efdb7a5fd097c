// Package influx ships per-tick acquisition metrics to InfluxDB, falling
// back to a gzip line-protocol file when the server cannot be reached.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/depthwire/kinectwrapper/internal/config"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

// Measurement is the name of the per-tick point.
const Measurement = "acquisition"

// ErrDisabled is returned by Connect when the sink is turned off.
var ErrDisabled = errors.New("influx disabled")

type pointWriter interface {
	WritePoint(point *influxdb2_write.Point)
	Flush()
}

// Sink writes tick reports to one bucket.
type Sink struct {
	cfg        config.InfluxConfig
	backupPath string
	logger     zerolog.Logger

	mu      sync.Mutex
	client  influxdb2.Client
	writer  pointWriter
	backup  *gzip.Writer
	file    *os.File
	written uint64
}

// New creates an unconnected sink.
func New(cfg config.InfluxConfig, backupPath string, logger zerolog.Logger) *Sink {
	return &Sink{cfg: cfg, backupPath: backupPath, logger: logger}
}

// Connect pings the server and prepares the bucket. When the server is
// unreachable the sink switches to the backup file and returns nil.
func (s *Sink) Connect(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", s.cfg.Protocol, s.cfg.Host, s.cfg.Port),
		s.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := client.Ping(ctx)
	if err != nil || !running {
		client.Close()
		s.logger.Warn().Str("backupPath", s.backupPath).
			Msg("InfluxDB unreachable, writing ticks to backup file")
		return s.openBackup()
	}

	if err := s.ensureBucket(ctx, client); err != nil {
		client.Close()
		return err
	}

	w := client.WriteAPI(s.cfg.Org, s.cfg.Bucket)
	go func() {
		for writeErr := range w.Errors() {
			s.logger.Error().Err(writeErr).Str("bucket", s.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}()

	s.mu.Lock()
	s.client = client
	s.writer = w
	s.mu.Unlock()
	s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("InfluxDB sink initialized")
	return nil
}

func (s *Sink) ensureBucket(ctx context.Context, client influxdb2.Client) error {
	org, err := client.OrganizationsAPI().FindOrganizationByName(ctx, s.cfg.Org)
	if err != nil {
		s.logger.Info().Str("org", s.cfg.Org).Msg("Organization not found, creating")
		org, err = client.OrganizationsAPI().CreateOrganizationWithName(ctx, s.cfg.Org)
		if err != nil {
			return fmt.Errorf("creating organization %s: %w", s.cfg.Org, err)
		}
	}

	if _, err := client.BucketsAPI().FindBucketByName(ctx, s.cfg.Bucket); err == nil {
		return nil
	}
	s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("Bucket not found, creating")

	rule := domain.RetentionRuleTypeExpire
	_, err = client.BucketsAPI().CreateBucketWithName(ctx, org, s.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: 60 * 60 * 24 * 30,
	})
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

func (s *Sink) openBackup() error {
	f, err := os.OpenFile(s.backupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	s.mu.Lock()
	s.file = f
	s.backup = gzip.NewWriter(f)
	s.mu.Unlock()
	return nil
}

// Point converts a tick report into a line-protocol point.
func Point(r core.TickReport) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement(Measurement).
		AddTag("server", r.Server).
		AddField("seq", int64(r.Seq)).
		AddField("duration_ms", float64(r.Duration)/float64(time.Millisecond)).
		AddField("players", r.Players).
		SetTime(r.At)
	for _, c := range []core.Category{core.CategoryDepth, core.CategoryColor, core.CategoryJoints} {
		p.AddField("published_"+string(c), contains(r.Published, c))
		p.AddField("skipped_"+string(c), contains(r.Skipped, c))
	}
	return p
}

func contains(cs []core.Category, c core.Category) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}

// WriteTick records one tick report.
func (s *Sink) WriteTick(r core.TickReport) error {
	p := Point(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.writer != nil:
		s.writer.WritePoint(p)
	case s.backup != nil:
		line := influxdb2_write.PointToLineProtocol(p, time.Nanosecond)
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		if _, err := s.backup.Write([]byte(line)); err != nil {
			return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
		}
	default:
		return errors.New("influx sink not connected")
	}
	s.written++
	return nil
}

// Written returns how many ticks were accepted.
func (s *Sink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes pending points and releases the client or backup file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.writer != nil {
		s.writer.Flush()
		s.writer = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	if s.backup != nil {
		errs = append(errs, s.backup.Close())
		s.backup = nil
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file = nil
	}
	return errors.Join(errs...)
}

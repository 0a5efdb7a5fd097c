package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/depthwire/kinectwrapper/internal/config"
	"github.com/depthwire/kinectwrapper/internal/dispatcher"
	"github.com/depthwire/kinectwrapper/internal/influx"
	"github.com/depthwire/kinectwrapper/internal/logging"
	"github.com/depthwire/kinectwrapper/internal/recorder"
	"github.com/depthwire/kinectwrapper/internal/server"
	"github.com/depthwire/kinectwrapper/pkg/core"
)

const tickBuffer = 256

// sinks holds the optional consumers of tick output.
type sinks struct {
	db       *gorm.DB
	recorder *recorder.Recorder
	influx   *influx.Sink
}

// setupSinks registers the recorder and the InfluxDB sink as buffered
// dispatcher handlers. The returned set is usable even when err is non-nil.
func setupSinks(ctx context.Context, disp *dispatcher.Dispatcher, cfg config.ServerConfig) (*sinks, error) {
	out := &sinks{}
	var errs []error
	level := logging.VerbosityLevel(cfg.Verbosity)

	if rc := config.GetRecorderConfig(); rc.Enabled {
		log := logging.NewZerolog(logOutput(), level, "recorder")
		if err := out.startRecorder(ctx, disp, rc, cfg, log); err != nil {
			errs = append(errs, fmt.Errorf("recorder: %w", err))
		}
	}

	if ic := config.GetInfluxConfig(); ic.Enabled {
		log := logging.NewZerolog(logOutput(), level, "influx")
		backup := filepath.Join(viper.GetString("logsDir"), fmt.Sprintf("%s.%s.lp.gz", serviceName, SessionStartTime.Format("20060102_150405")))
		sink := influx.New(ic, backup, log)
		if err := sink.Connect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("influx: %w", err))
		} else {
			out.influx = sink
			disp.Register(server.CmdTick, func(e dispatcher.Event) (any, error) {
				r, ok := e.Payload.(core.TickReport)
				if !ok {
					return nil, fmt.Errorf("tick event carries %T", e.Payload)
				}
				return nil, sink.WriteTick(r)
			}, dispatcher.Buffered(tickBuffer))
		}
	}
	return out, errors.Join(errs...)
}

func (s *sinks) startRecorder(ctx context.Context, disp *dispatcher.Dispatcher, rc config.RecorderConfig, cfg config.ServerConfig, log zerolog.Logger) error {
	db, err := recorder.Open(rc, log)
	if err != nil {
		return err
	}
	rec, err := recorder.New(db, recorder.Session{
		Server: cfg.Name,
		Mode:   cfg.Info,
		Driver: cfg.Driver,
	}, recorder.Options{
		BatchSize:     rc.BatchSize,
		QueueSize:     rc.QueueSize,
		FlushInterval: rc.FlushInterval,
	}, log)
	if err != nil {
		return errors.Join(err, closeDB(db))
	}
	rec.Start(ctx)
	disp.Register(server.CmdPlayers, rec.Handle, dispatcher.Buffered(tickBuffer))
	s.db, s.recorder = db, rec
	Logger.Info("Recording skeletons", "type", rc.Type, "session", rec.Session().ID)
	return nil
}

// Close flushes and releases every sink. Call it after the dispatcher has
// drained.
func (s *sinks) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.recorder != nil {
		errs = append(errs, s.recorder.Close())
	}
	if s.db != nil {
		errs = append(errs, closeDB(s.db))
	}
	if s.influx != nil {
		errs = append(errs, s.influx.Close())
	}
	*s = sinks{}
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

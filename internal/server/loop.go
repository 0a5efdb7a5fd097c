package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/depthwire/kinectwrapper/internal/dispatcher"
	"github.com/depthwire/kinectwrapper/internal/driver"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/pkg/core"
	"github.com/depthwire/kinectwrapper/pkg/streaming"
)

func (s *Server) run(ctx context.Context, period time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one acquisition step. Each category is read, stored and
// published independently; a failure in one does not affect the others.
func (s *Server) tick(ctx context.Context) {
	start := time.Now()
	s.metrics.ticks.Add(ctx, 1)

	if err := s.drv.Update(); err != nil {
		if !errors.Is(err, driver.ErrNoFrame) {
			s.logger.Debug("Driver update failed", "error", err)
		}
		s.metrics.skip(ctx, "update")
		return
	}

	seq := s.seq.Add(1)
	mode := s.cfg.Mode
	report := core.TickReport{Server: s.cfg.Name, Seq: seq, At: start}

	if f, ts, err := s.drv.ReadDepth(); err != nil {
		s.skipped(ctx, &report, core.CategoryDepth, err)
	} else {
		st := core.Stamp{Seq: seq, Time: ts}
		s.store.PutDepth(f, st)
		s.publish(ctx, &report, core.CategoryDepth, s.out.depth, streaming.TypeDepth, st, streaming.NewDepthPayload(f))
	}

	if mode.HasColor() {
		if f, ts, err := s.drv.ReadColor(); err != nil {
			s.skipped(ctx, &report, core.CategoryColor, err)
		} else {
			st := core.Stamp{Seq: seq, Time: ts}
			s.store.PutColor(f, st)
			s.publish(ctx, &report, core.CategoryColor, s.out.color, streaming.TypeColor, st, streaming.ColorPayload(f))
		}
	}

	if mode.HasJoints() {
		if players, ts, err := s.drv.ReadSkeletons(); err != nil {
			s.skipped(ctx, &report, core.CategoryJoints, err)
		} else {
			st := core.Stamp{Seq: seq, Time: ts}
			s.store.PutPlayers(players, st)
			report.Players = len(players)
			s.publish(ctx, &report, core.CategoryJoints, s.out.joints, streaming.TypeJoints, st, streaming.NewJointsPayload(players))
			s.sink(CmdPlayers, core.PlayersSample{Server: s.cfg.Name, Stamp: st, At: start, Players: core.ClonePlayers(players)})
		}
	}

	report.Duration = time.Since(start)
	s.metrics.duration.Record(ctx, float64(report.Duration)/float64(time.Millisecond))
	s.sink(CmdTick, report)
}

func (s *Server) skipped(ctx context.Context, r *core.TickReport, c core.Category, err error) {
	r.Skipped = append(r.Skipped, c)
	s.metrics.skip(ctx, string(c))
	if !errors.Is(err, driver.ErrNoFrame) {
		s.logger.Debug("Read failed", "category", string(c), "error", err)
	}
}

// publish sends one category when someone listens.
func (s *Server) publish(ctx context.Context, r *core.TickReport, c core.Category, out transport.Outlet, typ string, st core.Stamp, payload any) {
	if out == nil || out.Subscribers() < 1 {
		return
	}
	env, err := streaming.NewEnvelope(typ, st, payload)
	if err != nil {
		s.logger.Error("Encoding frame failed", "category", string(c), "error", err)
		return
	}
	if err := out.Publish(env); err != nil {
		s.logger.Debug("Publish failed", "port", out.Name(), "error", err)
		return
	}
	r.Published = append(r.Published, c)
	s.metrics.published.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(c))))
}

// sink forwards tick output to an optional buffered handler.
func (s *Server) sink(command string, payload any) {
	if s.disp == nil || !s.disp.HasHandler(command) {
		return
	}
	if _, err := s.disp.Dispatch(dispatcher.Event{Command: command, Payload: payload}); err != nil {
		s.logger.Debug("Sink rejected event", "command", command, "error", err)
	}
}

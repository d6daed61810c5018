package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/micgraph/internal/worklets"
)

// report drains the real-time queues of r every interval until ctx is
// cancelled, then drains them one last time.
func (c *Controller) report(ctx context.Context, r *run, log *slog.Logger) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	var d drainState
	for {
		select {
		case <-ctx.Done():
			c.drain(r, log, &d)
			return
		case <-t.C:
			c.drain(r, log, &d)
		}
	}
}

// drainState is carried between drains of one session.
type drainState struct {
	lastFrames int
}

func (c *Controller) drain(r *run, log *slog.Logger, d *drainState) {
	ctx := context.Background()
	now := time.Now()

	for {
		f, ok := r.rt.NextFailure()
		if !ok {
			break
		}
		log.Warn("worklet callback failed", "node", f.Node, "context", f.Context, "tick", f.Tick, "reason", f.Reason)
		c.metrics.RecordCallbackFailure(ctx, f.Context)
		c.events.publish(Event{
			Type: EventCallbackFailure, Time: now, Session: r.id,
			Node: f.Node, Context: f.Context, Tick: f.Tick, Error: f.Error(),
		})
	}

	for {
		m, ok := r.misses.Pop()
		if !ok {
			break
		}
		log.Warn("capture deadline missed", "tick", m.Tick, "elapsed", m.Elapsed, "budget", m.Budget)
		c.events.publish(Event{
			Type: EventDeadlineMiss, Time: now, Session: r.id,
			Tick: m.Tick, Elapsed: m.Elapsed, Budget: m.Budget, Error: m.Error(),
		})
	}

	for {
		f, ok := r.nodeErrs.Pop()
		if !ok {
			break
		}
		log.Warn("graph node failed", "node", f.name, "err", f.err)
		c.metrics.RecordNodeError(ctx, f.name)
		c.events.publish(Event{Type: EventNodeError, Time: now, Session: r.id, Node: f.name, Error: f.err.Error()})
	}

	for {
		err, ok := r.tickErrs.Pop()
		if !ok {
			break
		}
		log.Error("graph tick rejected", "err", err)
		c.metrics.RecordNodeError(ctx, "graph")
		c.events.publish(Event{Type: EventTickRejected, Time: now, Session: r.id, Node: "graph", Error: err.Error()})
	}

	for {
		dur, ok := r.ticks.Pop()
		if !ok {
			break
		}
		r.stats.Record(dur)
		c.metrics.TickDuration.Record(ctx, dur.Seconds())
	}

	// Only the newest meter reading of a drain is published.
	var (
		levels    worklets.Levels
		hasLevels bool
	)
	for {
		msg, ok := r.wk.Port().Receive()
		if !ok {
			break
		}
		switch msg.Kind {
		case worklets.MsgLength:
			frames := int(msg.Values[0])
			log.Debug("buffer length", "tick", msg.Tick, "frames", frames)
			if frames != d.lastFrames {
				d.lastFrames = frames
				c.events.publish(Event{Type: EventLength, Time: now, Session: r.id, Tick: msg.Tick, Frames: frames})
			}
		case worklets.MsgLevels:
			levels, hasLevels = worklets.ParseLevels(msg)
		}
	}
	if hasLevels {
		c.events.publish(Event{
			Type: EventLevels, Time: now, Session: r.id, Tick: levels.Tick,
			RMSdB: levels.RMSdB, PeakdB: levels.PeakdB, Clipped: levels.Clipped,
		})
	}
}

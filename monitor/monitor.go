// Package monitor drives the probe loop, classifying each outcome and
// handing the formatted record to the log sink.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/adaricorp/ping-logger/probe"
	"github.com/adaricorp/ping-logger/rotate"
	"github.com/pkg/errors"
)

// Sink records formatted probe outcomes.
type Sink interface {
	Append(record []byte) error
}

// Config describes the probe cadence for one target.
type Config struct {
	Target   string
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor probes one target on a fixed cadence and records every outcome.
type Monitor struct {
	prober probe.Prober
	sink   Sink
	logger *slog.Logger

	target   string
	interval time.Duration
	timeout  time.Duration
}

// New assembles a monitor. A timeout that is unset or longer than the
// probe interval is clamped to the interval so ticks never overlap.
func New(cfg Config, prober probe.Prober, sink Sink, logger *slog.Logger) *Monitor {
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > cfg.Interval {
		timeout = cfg.Interval
	}

	return &Monitor{
		prober:   prober,
		sink:     sink,
		logger:   logger,
		target:   cfg.Target,
		interval: cfg.Interval,
		timeout:  timeout,
	}
}

// Run probes the target until ctx is cancelled, starting with an immediate
// probe. Cancellation between ticks returns before another probe starts; a
// probe already in flight finishes and its outcome is still recorded. The
// returned error is nil on cancellation and non-nil only when the sink can
// no longer record outcomes.
func (m *Monitor) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.tick(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// The ticker may win the race against a cancellation that
		// arrived during the same tick.
		if ctx.Err() != nil {
			return nil
		}
	}
}

// tick runs a single probe and records its outcome. The probe context is
// detached from the run context so shutdown lets an in-flight probe finish
// instead of aborting it.
func (m *Monitor) tick() error {
	probeCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
	rtt, err := m.prober.Probe(probeCtx)
	cancel()

	outcome := probe.Classify(rtt, err)
	m.logOutcome(outcome)

	record := formatRecord(time.Now(), m.target, outcome)
	if err := m.sink.Append(record); err != nil {
		if fatalSink(err) {
			return errors.Wrap(err, "recording probe outcome")
		}
		m.logger.Error(
			"Recording probe outcome failed",
			"target",
			m.target,
			"error",
			err.Error(),
		)
	}

	return nil
}

func (m *Monitor) logOutcome(o probe.Outcome) {
	if o.Kind == probe.Success {
		m.logger.Info(
			"Probe succeeded",
			"target",
			m.target,
			"rtt",
			o.RTT.String(),
		)
		return
	}

	m.logger.Warn(
		"Probe failed",
		"target",
		m.target,
		"outcome",
		o.Kind.String(),
		"detail",
		o.Detail,
	)
}

// fatalSink reports sink errors no later append can recover from.
func fatalSink(err error) bool {
	return errors.Is(err, rotate.ErrDirVanished) || errors.Is(err, rotate.ErrClosed)
}

// Package partition implements the Partition Consumer state machine
// (spec.md §4.5, §4.6): one per (topic, partition), polling a
// broker.Consumer, dispatching to a demux.Topic, and evaluating when to
// stop. Grounded on original_source/src/Streamer.cpp's poll loop, recast
// as an explicit Go state machine rather than an inheritance hierarchy
// (spec.md §9).
package partition

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/umithardal/kafka-to-nexus/broker"
	"github.com/umithardal/kafka-to-nexus/demux"
	kerrors "github.com/umithardal/kafka-to-nexus/errors"
)

// State is one of the Partition Consumer's life-cycle states (spec.md §3).
type State int32

const (
	NotInitialized State = iota
	Initializing
	Writing
	Finished
	Error
)

func (s State) String() string {
	switch s {
	case NotInitialized:
		return "not_initialized"
	case Initializing:
		return "initializing"
	case Writing:
		return "writing"
	case Finished:
		return "finished"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// pollTimeout bounds every broker poll, per spec.md §4.5 ("poll timeout
// <= 1s bounds cancellation latency").
const pollTimeout = 1 * time.Second

// Config configures a Consumer's time-window behavior.
type Config struct {
	Topic             string
	Partition         int32
	StartTimeMs       int64 // 0 = subscribe at the latest offset (AddTopic)
	StopTimeMs        int64 // 0 = run until explicit stop
	BeforeStartLeewayMs int64
	AfterStopLeewayMs   int64
}

// StateGauge receives partition state transitions, for the metrics
// facade's partition state gauge.
type StateGauge interface {
	SetPartitionState(topic string, partition int32, state State)
}

type noopGauge struct{}

func (noopGauge) SetPartitionState(string, int32, State) {}

// Consumer runs the state machine for one (topic, partition).
type Consumer struct {
	cfg    Config
	broker broker.Consumer
	topic  *demux.Topic
	gauge  StateGauge
	logger *slog.Logger

	state   atomic.Int32
	stopped atomic.Bool

	boundSourceCount int
}

// New returns a Consumer ready to Run. boundSourceCount is the number of
// sources bound to topic for this stream set at construction time, used
// by the stop-time evaluator to distinguish "no sources were ever bound"
// from "every source has been pruned".
func New(cfg Config, brokerConsumer broker.Consumer, topic *demux.Topic, boundSourceCount int, gauge StateGauge, logger *slog.Logger) *Consumer {
	if gauge == nil {
		gauge = noopGauge{}
	}
	c := &Consumer{
		cfg:              cfg,
		broker:           brokerConsumer,
		topic:            topic,
		gauge:            gauge,
		logger:           logger,
		boundSourceCount: boundSourceCount,
	}
	c.setState(NotInitialized)
	return c
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	c.gauge.SetPartitionState(c.cfg.Topic, c.cfg.Partition, s)
}

// State returns the consumer's current state.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Stop requests the consumer to exit at its next poll boundary
// (spec.md §4.5 "cancellation: the orchestrator sets a stop flag").
func (c *Consumer) Stop() { c.stopped.Store(true) }

// Run drives the state machine to completion and returns the terminal
// state (Finished or Error). ctx cancellation is treated the same as Stop.
func (c *Consumer) Run(ctx context.Context) State {
	c.setState(Initializing)
	if err := c.assign(ctx); err != nil {
		if c.logger != nil {
			c.logger.Error("partition consumer failed to assign", "topic", c.cfg.Topic, "partition", c.cfg.Partition, "error", err)
		}
		c.setState(Error)
		return Error
	}

	for {
		if c.stopped.Load() || ctx.Err() != nil {
			break
		}

		status, env, err := c.broker.Poll(ctx, pollTimeout)
		c.setState(Writing)

		switch status {
		case broker.Message:
			outcome := c.topic.Process(env)
			_ = outcome
		case broker.Error:
			if c.logger != nil {
				c.logger.Warn("partition poll error", "topic", c.cfg.Topic, "partition", c.cfg.Partition, "error", err)
			}
		case broker.Empty, broker.EndOfPartition, broker.TimedOut:
			// fall through to stop-time evaluation below
		}

		if c.shouldStop() {
			break
		}
	}

	_ = c.broker.Close()
	c.setState(Finished)
	return Finished
}

func (c *Consumer) assign(ctx context.Context) error {
	if c.cfg.StartTimeMs == 0 {
		return c.broker.AddTopic(ctx, c.cfg.Topic, c.cfg.Partition)
	}
	return c.resolveStartOffset(ctx)
}

const maxOffsetForTimeAttempts = 3

// resolveStartOffset queries the broker for the offset-for-time assignment
// with a bounded retry before falling back to the latest offset
// (SPEC_FULL.md §12 item 2, supplementing original_source's
// MetaDataQuery retry-with-backoff behavior).
func (c *Consumer) resolveStartOffset(ctx context.Context) error {
	startMs := c.cfg.StartTimeMs - c.cfg.BeforeStartLeewayMs
	var lastErr error
	for attempt := 0; attempt < maxOffsetForTimeAttempts; attempt++ {
		err := c.broker.AddTopicAtTimestamp(ctx, c.cfg.Topic, c.cfg.Partition, startMs)
		if err == nil {
			return nil
		}
		if !kerrors.IsTransient(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(attempt)):
		}
	}
	if c.logger != nil {
		c.logger.Warn("offset-for-time query exhausted retries, falling back to latest offset",
			"topic", c.cfg.Topic, "partition", c.cfg.Partition, "error", lastErr)
	}
	return c.broker.AddTopic(ctx, c.cfg.Topic, c.cfg.Partition)
}

func backoffFor(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	const cap = 2 * time.Second
	if d > cap {
		return cap
	}
	return d
}

// shouldStop implements the Stop-Time Evaluator (spec.md §4.6).
func (c *Consumer) shouldStop() bool {
	if c.stopped.Load() {
		return true
	}
	if c.cfg.StopTimeMs > 0 {
		wallClockMs := time.Now().UnixMilli()
		if wallClockMs > c.cfg.StopTimeMs+c.cfg.AfterStopLeewayMs {
			return true
		}
	}
	if c.boundSourceCount > 0 && c.topic.SourceCount() == 0 {
		return true
	}
	return false
}

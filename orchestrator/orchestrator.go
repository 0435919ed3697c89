// Package orchestrator implements the Stream Orchestrator (spec.md
// §4.7): one per active job, owning the topic streams and the job's
// file handle, fanning out partition consumer construction per topic
// with golang.org/x/sync/errgroup (grounded on the teacher's
// pkg/worker fan-out/fan-in callers), then driving the flush cadence
// and finalize-then-close sequence at job termination.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/umithardal/kafka-to-nexus/broker"
	"github.com/umithardal/kafka-to-nexus/demux"
	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/job"
	"github.com/umithardal/kafka-to-nexus/partition"
	"github.com/umithardal/kafka-to-nexus/registry"
	"github.com/umithardal/kafka-to-nexus/source"
	"github.com/umithardal/kafka-to-nexus/stream"
)

// DefaultFlushInterval is the orchestrator's flush cadence when a job
// does not override it (spec.md §4.7 "default every 5 s").
const DefaultFlushInterval = 5 * time.Second

// StreamInfo is one bound stream's counters for status publication
// (SPEC_FULL.md §12 item 1, surfaced via StreamMasterInfo).
type StreamInfo struct {
	MessagesWritten int64 `json:"messages_written"`
	MessagesDropped int64 `json:"messages_dropped"`
	LastTimestampNs int64 `json:"last_timestamp_ns"`
}

// StreamMasterInfo is one job's status snapshot, collected by the
// master loop at its status-publication cadence (spec.md §4.9).
type StreamMasterInfo struct {
	JobID   string                `json:"job_id"`
	Streams map[string]StreamInfo `json:"streams"` // keyed by "<topic>/<source>"
}

// Config configures one Orchestrator instance.
type Config struct {
	WriterRegistry *registry.WriterRegistry
	ReaderRegistry *registry.ReaderRegistry
	Client         broker.Client
	Counter        demux.Counter
	Gauge          partition.StateGauge
	FlushInterval  time.Duration
	ResumeExisting bool
	Logger         *slog.Logger
}

// Orchestrator owns one job's topic streams and drives its lifecycle.
type Orchestrator struct {
	job *job.Job
	cfg Config

	mu      sync.Mutex
	bound   []boundEntry
	streams []*stream.Topic

	flushDone chan struct{}
}

type boundEntry struct {
	topic  string
	source *source.Source
}

// New returns an Orchestrator for j, not yet started.
func New(j *job.Job, cfg Config) *Orchestrator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Orchestrator{job: j, cfg: cfg}
}

// Start runs the template walk, binds every declared stream to a writer
// module (spec.md §4.3), groups the resulting sources into per-topic
// demultiplexers, and launches one partition consumer per (topic,
// partition) (spec.md §4.5). Partition discovery for distinct topics is
// fanned out with an errgroup so a BrokerFatal failure on one topic's
// partition query does not block discovery of the others, while still
// surfacing the first such failure to the caller.
func (o *Orchestrator) Start(ctx context.Context) error {
	placeholders, err := o.job.Walk()
	if err != nil {
		return err
	}

	bound, failed := o.job.Bind(o.cfg.WriterRegistry, placeholders, o.cfg.ResumeExisting)
	for _, f := range failed {
		if o.cfg.Logger != nil {
			o.cfg.Logger.Warn("stream binding failed", "job_id", o.job.ID, "hdf_path", f.HDFPath, "error", f.Err)
		}
	}
	if len(bound) == 0 {
		return kerrors.WrapInvalid(kerrors.ErrNoUsableStreams, "orchestrator.Orchestrator", "Start", "job "+o.job.ID)
	}

	demuxTopics := make(map[string]*demux.Topic)
	sourcesByTopic := make(map[string][]*source.Source)
	var allSources []*source.Source
	for _, b := range bound {
		t, ok := demuxTopics[b.Topic]
		if !ok {
			t = demux.New(b.Topic, o.job.Spec.StartTimeMs*int64(time.Millisecond), o.job.Spec.StopTimeMs*int64(time.Millisecond), o.cfg.ReaderRegistry, o.cfg.Counter)
			demuxTopics[b.Topic] = t
		}
		src := source.New(source.Key{SourceName: b.Source, SchemaID: b.WriterModule}, b.Topic, b.Writer)
		if err := t.Bind(src); err != nil {
			if o.cfg.Logger != nil {
				o.cfg.Logger.Warn("duplicate source binding", "job_id", o.job.ID, "topic", b.Topic, "source", b.Source, "error", err)
			}
			continue
		}
		sourcesByTopic[b.Topic] = append(sourcesByTopic[b.Topic], src)
		allSources = append(allSources, src)
		o.mu.Lock()
		o.bound = append(o.bound, boundEntry{topic: b.Topic, source: src})
		o.mu.Unlock()
	}

	topicNames := make([]string, 0, len(demuxTopics))
	for name := range demuxTopics {
		topicNames = append(topicNames, name)
	}

	streamsByTopic := make([]*stream.Topic, len(topicNames))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range topicNames {
		i, name := i, name
		g.Go(func() error {
			st, err := o.buildTopicStream(gctx, name, demuxTopics[name], len(sourcesByTopic[name]))
			if err != nil {
				return err
			}
			streamsByTopic[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.mu.Lock()
	o.streams = streamsByTopic
	o.mu.Unlock()
	o.job.AttachTopics(streamsByTopic)
	o.job.AttachSources(allSources)

	for _, st := range streamsByTopic {
		st.Start(ctx)
	}

	o.flushDone = make(chan struct{})
	go o.flushLoop(ctx)

	return nil
}

func (o *Orchestrator) buildTopicStream(ctx context.Context, topicName string, demuxTopic *demux.Topic, boundSourceCount int) (*stream.Topic, error) {
	partitions, err := o.cfg.Client.QueryTopicPartitions(ctx, topicName)
	if err != nil {
		return nil, kerrors.WrapFatal(err, "orchestrator.Orchestrator", "buildTopicStream", "query partitions for "+topicName)
	}

	consumers := make([]*partition.Consumer, 0, len(partitions))
	for _, p := range partitions {
		bc, err := o.cfg.Client.NewConsumer()
		if err != nil {
			return nil, kerrors.WrapFatal(err, "orchestrator.Orchestrator", "buildTopicStream", "new consumer for "+topicName)
		}
		pcfg := partition.Config{
			Topic:               topicName,
			Partition:           p,
			StartTimeMs:         o.job.Spec.StartTimeMs,
			StopTimeMs:          o.job.Spec.StopTimeMs,
			BeforeStartLeewayMs: o.job.Spec.BeforeStartLeewayMs,
			AfterStopLeewayMs:   o.job.Spec.AfterStopLeewayMs,
		}
		consumers = append(consumers, partition.New(pcfg, bc, demuxTopic, boundSourceCount, o.cfg.Gauge, o.cfg.Logger))
	}
	return stream.New(topicName, consumers), nil
}

func (o *Orchestrator) flushLoop(ctx context.Context) {
	defer close(o.flushDone)
	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.job.Flush(); err != nil && o.cfg.Logger != nil {
				o.cfg.Logger.Warn("periodic flush failed", "job_id", o.job.ID, "error", err)
			}
			if o.allStreamsDone() {
				return
			}
		}
	}
}

func (o *Orchestrator) allStreamsDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, st := range o.streams {
		if !st.Done() {
			return false
		}
	}
	return len(o.streams) > 0
}

// Status collects the job's current StreamMasterInfo (spec.md §4.9,
// SPEC_FULL.md §12 item 1).
func (o *Orchestrator) Status() StreamMasterInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	streams := make(map[string]StreamInfo, len(o.bound))
	for _, b := range o.bound {
		key := b.topic + "/" + b.source.Key.SourceName
		streams[key] = StreamInfo{
			MessagesWritten: int64(b.source.MessagesWritten()),
			MessagesDropped: int64(b.source.MessagesDropped()),
			LastTimestampNs: b.source.LastTimestampNs(),
		}
	}
	return StreamMasterInfo{JobID: o.job.ID, Streams: streams}
}

// Stop signals every topic stream to stop and finalizes the job's file
// (spec.md §4.7: "on termination, flush once more, then finalize... and
// close").
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.job.Stop(ctx)
}

// Done reports whether every topic stream has reached its terminal state
// on its own (spec.md §4.6 Stop-Time Evaluator), without an explicit
// FileWriter_stop. The master loop polls this to reap jobs that finished
// naturally and still need their file finalized and closed.
func (o *Orchestrator) Done() bool {
	return o.allStreamsDone()
}

// JobID returns the id of the job this Orchestrator drives.
func (o *Orchestrator) JobID() string {
	return o.job.ID
}

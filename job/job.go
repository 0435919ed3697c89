// Package job implements the Job type (spec.md §3, §4.3): the unit the
// master loop creates and tears down in response to FileWriter_new /
// FileWriter_stop commands. Grounded on service.ComponentManager's
// per-instance struct shape, with the Active/Terminated one-way
// transition from spec.md §3's "Job" ownership summary.
package job

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
	"github.com/umithardal/kafka-to-nexus/registry"
	"github.com/umithardal/kafka-to-nexus/source"
	"github.com/umithardal/kafka-to-nexus/stream"
	"github.com/umithardal/kafka-to-nexus/template"
	"github.com/umithardal/kafka-to-nexus/writer"
)

// ulidEntropy is a single shared, mutex-guarded monotonic entropy source
// so that successive job correlation IDs sort in creation order within
// the process, per github.com/oklog/ulid/v2's documented usage (grounded
// on sneh-joshi-epochq's ULID-based internal IDs).
var ulidEntropy = struct {
	mu  sync.Mutex
	src *ulid.MonotonicEntropy
}{}

// newCorrelationID returns a monotonic per-process ID for log
// correlation, distinct from the caller-supplied job_id. If entropy
// generation fails it falls back to a random UUID (google/uuid), used
// elsewhere in this package to tag job_id collision diagnostics.
func newCorrelationID(t time.Time) string {
	ulidEntropy.mu.Lock()
	defer ulidEntropy.mu.Unlock()
	if ulidEntropy.src == nil {
		ulidEntropy.src = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t), ulidEntropy.src)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CollisionID returns a fresh diagnostic ID to attach to a rejected
// FileWriter_new whose job_id collides with an already-active job.
func CollisionID() string { return uuid.NewString() }

// streamConfig is one entry of the control message's "streams" array
// (spec.md §6), as embedded in a "stream" template node's config_json.
type streamConfig struct {
	Topic        string `json:"topic"`
	Source       string `json:"source"`
	WriterModule string `json:"writer_module"`
}

// Spec is the validated content of a FileWriter_new command (spec.md
// §4.8, §6).
type Spec struct {
	JobID               string
	FileName            string
	NexusStructure      json.RawMessage
	Broker              string
	StartTimeMs         int64
	StopTimeMs          int64
	BeforeStartLeewayMs int64
	AfterStopLeewayMs   int64
}

// State is the job's coarse life-cycle state (spec.md §3 "a job is
// either Active... or Terminated...; transition is one-way").
type State int32

const (
	Active State = iota
	Terminated
)

func (s State) String() string {
	if s == Terminated {
		return "terminated"
	}
	return "active"
}

// Job owns one job's file handle and topic streams.
type Job struct {
	ID            string
	CorrelationID string
	Spec          Spec

	file    nexusfile.File
	topics  []*stream.Topic
	sources []*source.Source

	state atomic.Int32
	mu    sync.Mutex // guards Stop's one-way transition and topics/sources

	logger *slog.Logger
}

// BoundStream is one successfully bound stream: the writer module the
// orchestrator registers into a source.Source, plus the topic and
// source name needed to construct the Source Key (spec.md §4.3 step 4).
type BoundStream struct {
	Topic        string
	Source       string
	WriterModule string
	Writer       writer.Module
}

// BindFailure records a stream that failed to bind, per spec.md §4.3
// "Failure at any step produces StreamBindingFailed".
type BindFailure struct {
	HDFPath string
	Err     error
}

// New constructs a Job in the Active state, owning file.
func New(spec Spec, file nexusfile.File, logger *slog.Logger) *Job {
	return &Job{
		ID:            spec.JobID,
		CorrelationID: newCorrelationID(time.Now()),
		Spec:          spec,
		file:          file,
		logger:        logger,
	}
}

// Walk runs the template walker over the job's nexus_structure (spec.md
// §4.2) and returns every stream placeholder it finds.
func (j *Job) Walk() ([]template.StreamPlaceholder, error) {
	placeholders, err := template.Walk(j.file.Root(), j.Spec.NexusStructure, j.logger)
	if err != nil {
		return nil, kerrors.WrapInvalid(err, "job.Job", "Walk", "parse nexus_structure")
	}
	return placeholders, nil
}

// Bind resolves every placeholder to a writer module instance (spec.md
// §4.3 steps 1-3): parse config_json, look up writer_module in
// writerRegistry, resolve hdf_path to its group, instantiate, then Init
// (resumeExisting false) or Reopen (true). A placeholder that fails any
// step is recorded in the returned failures slice; the rest still bind.
func (j *Job) Bind(writerRegistry *registry.WriterRegistry, placeholders []template.StreamPlaceholder, resumeExisting bool) ([]BoundStream, []BindFailure) {
	var bound []BoundStream
	var failed []BindFailure

	for _, ph := range placeholders {
		mod, cfg, err := j.bindOne(writerRegistry, ph, resumeExisting)
		if err != nil {
			failed = append(failed, BindFailure{HDFPath: ph.HDFPath, Err: err})
			continue
		}
		bound = append(bound, BoundStream{
			Topic:        cfg.Topic,
			Source:       cfg.Source,
			WriterModule: cfg.WriterModule,
			Writer:       mod,
		})
	}
	return bound, failed
}

func (j *Job) bindOne(writerRegistry *registry.WriterRegistry, ph template.StreamPlaceholder, resumeExisting bool) (writer.Module, streamConfig, error) {
	var cfg streamConfig
	if err := json.Unmarshal(ph.ConfigJSON, &cfg); err != nil {
		return nil, cfg, kerrors.WrapInvalid(err, "job.Job", "bindOne", "parse config_json at "+ph.HDFPath)
	}
	if cfg.WriterModule == "" || cfg.Topic == "" || cfg.Source == "" {
		return nil, cfg, kerrors.WrapInvalid(kerrors.ErrConfigInvalid, "job.Job", "bindOne", "incomplete stream config at "+ph.HDFPath)
	}

	group, err := template.ResolveGroup(j.file.Root(), ph.HDFPath)
	if err != nil {
		return nil, cfg, kerrors.WrapInvalid(err, "job.Job", "bindOne", "resolve hdf_path "+ph.HDFPath)
	}

	mod, err := writerRegistry.New(cfg.WriterModule)
	if err != nil {
		return nil, cfg, err
	}
	if err := mod.ParseConfig(ph.ConfigJSON); err != nil {
		return nil, cfg, kerrors.WrapInvalid(err, "job.Job", "bindOne", "parse_config at "+ph.HDFPath)
	}

	if resumeExisting {
		err = mod.Reopen(group)
	} else {
		err = mod.Init(group)
	}
	if err != nil {
		return nil, cfg, kerrors.WrapFatal(err, "job.Job", "bindOne", "init/reopen at "+ph.HDFPath)
	}
	return mod, cfg, nil
}

// State returns the job's current life-cycle state.
func (j *Job) State() State { return State(j.state.Load()) }

// Flush persists the job's file without closing it, per the orchestrator's
// configurable flush cadence (spec.md §4.7).
func (j *Job) Flush() error { return j.file.Flush() }

// AttachTopics records the running topic streams this job owns, so Stop
// can signal and join them.
func (j *Job) AttachTopics(topics []*stream.Topic) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.topics = topics
}

// Topics returns the job's owned topic streams.
func (j *Job) Topics() []*stream.Topic {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.topics
}

// AttachSources records every source.Source bound to this job's writer
// modules, so Stop can release them before the file closes.
func (j *Job) AttachSources(sources []*source.Source) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sources = sources
}

// Stop transitions the job toward Terminated: signals every topic stream
// to stop, waits for them, closes every bound writer module, then flushes
// and closes the file exactly once (spec.md §8 "Idempotent stop: calling
// stop() twice... has the same effect as calling it once"; spec.md's
// writer module lifecycle requires every non-owning file handle be
// released before the file handle itself closes).
func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	if State(j.state.Load()) == Terminated {
		j.mu.Unlock()
		return nil
	}
	j.state.Store(int32(Terminated))
	topics := j.topics
	sources := j.sources
	j.mu.Unlock()

	for _, t := range topics {
		t.Stop()
	}
	for _, t := range topics {
		waitDone(ctx, t)
	}

	for _, s := range sources {
		if err := s.Close(); err != nil && j.logger != nil {
			j.logger.Warn("writer close failed", "job_id", j.ID, "source", s.Key.SourceName, "error", err)
		}
	}

	if err := j.file.Flush(); err != nil && j.logger != nil {
		j.logger.Warn("final flush failed", "job_id", j.ID, "error", err)
	}
	return j.file.Close()
}

func waitDone(ctx context.Context, t *stream.Topic) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if t.Done() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Package master implements the Master Loop (spec.md §4.9): the single
// long-lived loop that polls the control topic, drives the command
// handler, publishes periodic status, and reaps terminated jobs. The
// active-jobs table and shutdown sequencing are grounded on
// service.ComponentManager's mutex-guarded instance map plus
// shutdown/done-channel lifecycle (cmd/semstreams/main.go's
// runWithSignalHandling/shutdown pair).
package master

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/umithardal/kafka-to-nexus/broker"
	"github.com/umithardal/kafka-to-nexus/command"
	"github.com/umithardal/kafka-to-nexus/config"
	"github.com/umithardal/kafka-to-nexus/demux"
	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/job"
	"github.com/umithardal/kafka-to-nexus/metrics"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
	"github.com/umithardal/kafka-to-nexus/nexusfile/boltstore"
	"github.com/umithardal/kafka-to-nexus/orchestrator"
	"github.com/umithardal/kafka-to-nexus/partition"
	"github.com/umithardal/kafka-to-nexus/registry"
)

const pollTimeout = 1 * time.Second

// Dependencies are the shared collaborators the master wires into every
// job it creates.
type Dependencies struct {
	Client         broker.Client
	WriterRegistry *registry.WriterRegistry
	ReaderRegistry *registry.ReaderRegistry
	Config         *config.Config
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type activeJob struct {
	job       *job.Job
	orch      *orchestrator.Orchestrator
	stopTimer *time.Timer
}

// Master owns the control-topic consumer, the active-jobs table, and
// the status publisher (spec.md §4.9).
type Master struct {
	deps      Dependencies
	processor *command.Processor

	mu      sync.Mutex
	jobs    map[string]*activeJob
	exiting bool
}

// New returns a Master ready to Run.
func New(deps Dependencies) *Master {
	return &Master{
		deps:      deps,
		processor: command.New(),
		jobs:      make(map[string]*activeJob),
	}
}

// Run polls the control topic and drives the master loop until ctx is
// cancelled or a FileWriter_exit command is handled. On return every
// active job has been stopped and its file closed (spec.md §4.9 "on
// shutdown, the master calls stop() on every job and waits for each to
// join").
func (m *Master) Run(ctx context.Context) error {
	cc, err := m.deps.Client.NewConsumer()
	if err != nil {
		return kerrors.WrapFatal(err, "master.Master", "Run", "create control consumer")
	}
	if err := cc.AddTopic(ctx, m.deps.Config.Control.CommandTopic, 0); err != nil {
		return kerrors.WrapFatal(err, "master.Master", "Run", "assign control topic")
	}
	defer cc.Close()

	producer, err := m.deps.Client.NewProducer(m.deps.Config.Control.StatusTopic)
	if err != nil {
		return kerrors.WrapFatal(err, "master.Master", "Run", "create status producer")
	}
	defer producer.Close()

	limiter := rate.NewLimiter(rate.Limit(m.deps.Config.Control.StatusRatePerSec), 1)
	statusTicker := time.NewTicker(m.deps.Config.Control.StatusInterval)
	defer statusTicker.Stop()
	reapTicker := time.NewTicker(time.Second)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdownAll(context.Background())
		case <-statusTicker.C:
			m.publishStatus(ctx, producer, limiter)
		case <-reapTicker.C:
			m.reap(context.Background())
		default:
		}

		if m.isExiting() {
			return m.shutdownAll(context.Background())
		}

		status, env, err := cc.Poll(ctx, pollTimeout)
		switch status {
		case broker.Message:
			if err := m.processor.Dispatch(env.Payload(), m); err != nil {
				if m.deps.Logger != nil {
					m.deps.Logger.Warn("command rejected", "error", err)
				}
				if m.deps.Metrics != nil {
					m.deps.Metrics.IncCommandRejected()
				}
			}
		case broker.Error:
			if m.deps.Logger != nil {
				m.deps.Logger.Warn("control topic poll error", "error", err)
			}
		}
	}
}

// DispatchRaw validates and routes one control message through the same
// path Run's poll loop uses. Exposed for --commands-json, which seeds a
// job (or issues a stop/exit) from a file instead of the control topic.
func (m *Master) DispatchRaw(raw []byte) error {
	return m.processor.Dispatch(raw, m)
}

func (m *Master) isExiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exiting
}

// HandleNew implements command.Handler: creates a job's file, walks and
// binds its nexus_structure, and starts its stream orchestrator (spec.md
// §4.3, §4.7). A job_id collision is rejected without disturbing the
// existing job.
func (m *Master) HandleNew(cmd command.NewJobCommand) error {
	m.mu.Lock()
	if _, exists := m.jobs[cmd.JobID]; exists {
		m.mu.Unlock()
		return kerrors.WrapInvalid(kerrors.ErrConfigInvalid, "master.Master", "HandleNew", "job_id already active: "+cmd.JobID+" (collision "+job.CollisionID()+")")
	}
	m.mu.Unlock()

	file, resumeExisting, err := openJobFile(cmd.FileName)
	if err != nil {
		return kerrors.WrapInvalid(err, "master.Master", "HandleNew", "open file "+cmd.FileName)
	}

	spec := job.Spec{
		JobID:          cmd.JobID,
		FileName:       cmd.FileName,
		NexusStructure: cmd.NexusStructure,
		Broker:         cmd.Broker,
		StartTimeMs:    cmd.StartTimeMs,
		StopTimeMs:     cmd.StopTimeMs,
	}
	if m.deps.Config != nil {
		spec.BeforeStartLeewayMs = m.deps.Config.Job.BeforeStartLeewayMs
		spec.AfterStopLeewayMs = m.deps.Config.Job.AfterStopLeewayMs
	}

	j := job.New(spec, file, m.deps.Logger)

	flushInterval := orchestrator.DefaultFlushInterval
	if m.deps.Config != nil && m.deps.Config.Job.FlushInterval > 0 {
		flushInterval = m.deps.Config.Job.FlushInterval
	}

	orch := orchestrator.New(j, orchestrator.Config{
		WriterRegistry: m.deps.WriterRegistry,
		ReaderRegistry: m.deps.ReaderRegistry,
		Client:         m.deps.Client,
		Gauge:          partitionGauge(m.deps.Metrics),
		Counter:        demuxCounter(m.deps.Metrics),
		FlushInterval:  flushInterval,
		ResumeExisting: resumeExisting,
		Logger:         m.deps.Logger,
	})

	if err := orch.Start(context.Background()); err != nil {
		_ = file.Close()
		return err
	}

	m.mu.Lock()
	m.jobs[cmd.JobID] = &activeJob{job: j, orch: orch}
	if m.deps.Metrics != nil {
		m.deps.Metrics.SetActiveJobs(len(m.jobs))
	}
	m.mu.Unlock()
	return nil
}

// HandleStop implements command.Handler: stops a running job immediately,
// or schedules its stop at the given wall-clock deadline (spec.md §4.8).
func (m *Master) HandleStop(cmd command.StopJobCommand) error {
	m.mu.Lock()
	aj, ok := m.jobs[cmd.JobID]
	m.mu.Unlock()
	if !ok {
		return kerrors.WrapInvalid(kerrors.ErrConfigInvalid, "master.Master", "HandleStop", "unknown job_id "+cmd.JobID)
	}

	if !cmd.HasStopTime {
		go func() { _ = aj.orch.Stop(context.Background()) }()
		return nil
	}

	delay := time.Until(time.UnixMilli(cmd.StopTimeMs))
	if delay <= 0 {
		go func() { _ = aj.orch.Stop(context.Background()) }()
		return nil
	}

	m.mu.Lock()
	aj.stopTimer = time.AfterFunc(delay, func() { _ = aj.orch.Stop(context.Background()) })
	m.mu.Unlock()
	return nil
}

// HandleExit implements command.Handler: signals the master loop to stop
// every job and return after the current iteration.
func (m *Master) HandleExit() error {
	m.mu.Lock()
	m.exiting = true
	m.mu.Unlock()
	return nil
}

// HandleClearAll implements command.Handler: stops and releases every
// active job without exiting the master loop itself.
func (m *Master) HandleClearAll() error {
	return m.shutdownAll(context.Background())
}

func (m *Master) shutdownAll(ctx context.Context) error {
	m.mu.Lock()
	jobs := make([]*activeJob, 0, len(m.jobs))
	for id, aj := range m.jobs {
		jobs = append(jobs, aj)
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, aj := range jobs {
		if aj.stopTimer != nil {
			aj.stopTimer.Stop()
		}
		if err := aj.orch.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.SetActiveJobs(0)
	}
	return firstErr
}

// reap finalizes and releases jobs whose topic streams finished on their
// own, without an explicit FileWriter_stop (spec.md §4.9 step 3).
func (m *Master) reap(ctx context.Context) {
	m.mu.Lock()
	var toReap []*activeJob
	for id, aj := range m.jobs {
		if aj.orch.Done() {
			toReap = append(toReap, aj)
			delete(m.jobs, id)
		}
	}
	if m.deps.Metrics != nil && len(toReap) > 0 {
		m.deps.Metrics.SetActiveJobs(len(m.jobs))
	}
	m.mu.Unlock()

	for _, aj := range toReap {
		if err := aj.orch.Stop(ctx); err != nil && m.deps.Logger != nil {
			m.deps.Logger.Warn("finalize on reap failed", "job_id", aj.job.ID, "error", err)
		}
	}
}

type statusMessage struct {
	Type      string                                   `json:"type"`
	ServiceID string                                   `json:"service_id"`
	Files     map[string]orchestrator.StreamMasterInfo `json:"files"`
}

func (m *Master) publishStatus(ctx context.Context, producer broker.Producer, limiter *rate.Limiter) {
	if !limiter.Allow() {
		return
	}

	m.mu.Lock()
	files := make(map[string]orchestrator.StreamMasterInfo, len(m.jobs))
	for id, aj := range m.jobs {
		files[id] = aj.orch.Status()
	}
	serviceID := ""
	if m.deps.Config != nil {
		serviceID = m.deps.Config.Service.ID
	}
	m.mu.Unlock()

	payload, err := json.Marshal(statusMessage{
		Type:      "filewriter_status_master",
		ServiceID: serviceID,
		Files:     files,
	})
	if err != nil {
		if m.deps.Logger != nil {
			m.deps.Logger.Warn("marshal status failed", "error", err)
		}
		return
	}

	if err := producer.Produce(ctx, payload); err != nil {
		if m.deps.Logger != nil {
			m.deps.Logger.Warn("publish status failed", "error", err)
		}
		return
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.IncStatusPublished()
	}
}

// openJobFile creates a new file at path, or opens it read-write (and
// reports resumeExisting=true) if it already exists — the job resumption
// path for a restarted master reusing a job_id/file_name pair.
func openJobFile(path string) (nexusfile.File, bool, error) {
	file, err := boltstore.CreateExclusive(path)
	if err == nil {
		return file, false, nil
	}
	file, openErr := boltstore.OpenReadWrite(path)
	if openErr != nil {
		return nil, false, err
	}
	return file, true, nil
}

// partitionGauge and demuxCounter avoid the typed-nil-interface pitfall:
// returning a nil *metrics.Metrics directly as an interface value would
// produce a non-nil interface wrapping a nil pointer, defeating
// partition.New's and demux.New's own "gauge/counter == nil" checks.
func partitionGauge(m *metrics.Metrics) partition.StateGauge {
	if m == nil {
		return nil
	}
	return m
}

func demuxCounter(m *metrics.Metrics) demux.Counter {
	if m == nil {
		return nil
	}
	return m
}

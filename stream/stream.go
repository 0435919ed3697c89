// Package stream implements the Topic Stream (spec.md §3, §4.6): the
// set of partition consumers bound to one topic within a job, reporting
// Finished once every partition has reached a terminal state. Grounded
// on original_source/src/Stream/Topic.h's partition-set aggregation,
// recast around partition.Consumer's explicit state machine.
package stream

import (
	"context"
	"sync"

	"github.com/umithardal/kafka-to-nexus/partition"
)

// Status summarizes one Topic's aggregate state for status publication.
type Status struct {
	Topic      string
	Partitions int
	Finished   int
	Errored    int
}

// Done reports whether every partition consumer has reached a terminal
// state (spec.md §4.6: "a topic stream is Finished when all its
// partitions are terminal (Finished or Error)").
func (s Status) Done() bool {
	return s.Finished+s.Errored == s.Partitions
}

// Topic aggregates the partition consumers bound to one topic.
type Topic struct {
	name      string
	consumers []*partition.Consumer
	cancel    context.CancelFunc

	mu   sync.Mutex
	done bool
}

// New returns a Topic stream owning consumers, all already configured
// for topic.
func New(topic string, consumers []*partition.Consumer) *Topic {
	return &Topic{name: topic, consumers: consumers}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Start runs every partition consumer concurrently and returns
// immediately; Done reports when every consumer has returned.
func (t *Topic) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(len(t.consumers))
	for _, c := range t.consumers {
		c := c
		go func() {
			defer wg.Done()
			c.Run(runCtx)
		}()
	}
	go func() {
		wg.Wait()
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
	}()
}

// Stop requests every partition consumer to stop at its next poll
// boundary (spec.md §4.5 cancellation).
func (t *Topic) Stop() {
	for _, c := range t.consumers {
		c.Stop()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// StatusSnapshot reports the current aggregate state without blocking.
func (t *Topic) StatusSnapshot() Status {
	st := Status{Topic: t.name, Partitions: len(t.consumers)}
	for _, c := range t.consumers {
		switch c.State() {
		case partition.Finished:
			st.Finished++
		case partition.Error:
			st.Errored++
		}
	}
	return st
}

// Done reports whether every partition consumer has reached a terminal
// state.
func (t *Topic) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Package registry holds the two process-wide schema-keyed registries the
// file writer is built around: the Writer-Module Registry and the
// Flatbuffer-Reader Registry (spec.md §2 items 2-3, §4.1). Both follow the
// same mutex-guarded-map-with-duplicate-rejection shape used throughout
// this codebase for process-wide factories.
package registry

import (
	"sync"

	"github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/writer"
)

// FlatbufferReader extracts the fields the demultiplexer needs from a raw
// payload without fully decoding it: the originating source name and the
// event timestamp in nanoseconds. A zero timestamp means "not present".
type FlatbufferReader interface {
	SourceName(payload []byte) (string, error)
	TimestampNs(payload []byte) (int64, error)
}

// WriterRegistry is the process-wide schema_id -> writer.Factory mapping.
type WriterRegistry struct {
	mu        sync.RWMutex
	factories map[string]writer.Factory
}

// NewWriterRegistry returns an empty registry.
func NewWriterRegistry() *WriterRegistry {
	return &WriterRegistry{factories: make(map[string]writer.Factory)}
}

// Register binds schemaID to factory. Returns errors.ErrAlreadyRegistered
// if schemaID already has a factory.
func (r *WriterRegistry) Register(schemaID string, factory writer.Factory) error {
	if schemaID == "" {
		return errors.WrapInvalid(errors.ErrConfigInvalid, "WriterRegistry", "Register", "empty schema id")
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrConfigInvalid, "WriterRegistry", "Register", "nil factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[schemaID]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyRegistered, "WriterRegistry", "Register", "schema "+schemaID)
	}
	r.factories[schemaID] = factory
	return nil
}

// New instantiates a fresh Module for schemaID. Returns
// errors.ErrUnknownSchema if no factory is registered.
func (r *WriterRegistry) New(schemaID string) (writer.Module, error) {
	r.mu.RLock()
	factory, exists := r.factories[schemaID]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.WrapInvalid(errors.ErrUnknownSchema, "WriterRegistry", "New", "schema "+schemaID)
	}
	return factory(), nil
}

// SchemaIDs returns all registered schema identifiers, for --list-modules.
func (r *WriterRegistry) SchemaIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}

// ReaderRegistry is the process-wide schema_id -> FlatbufferReader mapping.
type ReaderRegistry struct {
	mu      sync.RWMutex
	readers map[string]FlatbufferReader
}

// NewReaderRegistry returns an empty registry.
func NewReaderRegistry() *ReaderRegistry {
	return &ReaderRegistry{readers: make(map[string]FlatbufferReader)}
}

// Register binds schemaID to reader. Returns errors.ErrAlreadyRegistered if
// schemaID already has a reader.
func (r *ReaderRegistry) Register(schemaID string, reader FlatbufferReader) error {
	if schemaID == "" {
		return errors.WrapInvalid(errors.ErrConfigInvalid, "ReaderRegistry", "Register", "empty schema id")
	}
	if reader == nil {
		return errors.WrapInvalid(errors.ErrConfigInvalid, "ReaderRegistry", "Register", "nil reader")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.readers[schemaID]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyRegistered, "ReaderRegistry", "Register", "schema "+schemaID)
	}
	r.readers[schemaID] = reader
	return nil
}

// Get returns the reader for schemaID. Returns errors.ErrUnknownSchema if
// none is registered.
func (r *ReaderRegistry) Get(schemaID string) (FlatbufferReader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reader, exists := r.readers[schemaID]
	if !exists {
		return nil, errors.WrapInvalid(errors.ErrUnknownSchema, "ReaderRegistry", "Get", "schema "+schemaID)
	}
	return reader, nil
}

// Package command implements the Command Handler (spec.md §4.8):
// parses and JSON-schema-validates control-topic messages and routes
// them to a Handler. Grounded on cmd/schema-exporter/validate.go's use
// of github.com/xeipuuv/gojsonschema (NewBytesLoader/Validate/
// result.Valid()/Errors()), with the schema document embedded via
// go:embed per the pattern shown in
// shahsavan.../09-grpc/.../avro_schemas/embed.go.
package command

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	kerrors "github.com/umithardal/kafka-to-nexus/errors"
)

//go:embed schema.json
var schemaDocument []byte

// Cmd is the recognized value of a control message's "cmd" field
// (spec.md §4.8).
type Cmd string

const (
	FileWriterNew  Cmd = "FileWriter_new"
	FileWriterStop Cmd = "FileWriter_stop"
	FileWriterExit Cmd = "FileWriter_exit"
	ClearAll       Cmd = "file_writer_tasks_clear_all"
)

// NewJobCommand is the validated payload of a FileWriter_new command.
type NewJobCommand struct {
	JobID          string
	Broker         string
	FileName       string
	NexusStructure json.RawMessage
	StartTimeMs    int64
	StopTimeMs     int64
	Streams        []StreamDecl
}

// StreamDecl is one entry of a FileWriter_new command's "streams" array.
type StreamDecl struct {
	Topic        string
	Source       string
	WriterModule string
}

// StopJobCommand is the validated payload of a FileWriter_stop command.
type StopJobCommand struct {
	JobID       string
	StopTimeMs  int64
	HasStopTime bool
}

// Handler receives dispatched, already-validated commands. Implemented
// by the master loop.
type Handler interface {
	HandleNew(cmd NewJobCommand) error
	HandleStop(cmd StopJobCommand) error
	HandleExit() error
	HandleClearAll() error
}

// Processor validates and dispatches control messages (spec.md §4.8).
type Processor struct {
	schema gojsonschema.JSONLoader
}

// New returns a Processor using the embedded schema document.
func New() *Processor {
	return &Processor{schema: gojsonschema.NewBytesLoader(schemaDocument)}
}

type envelope struct {
	Cmd            string          `json:"cmd"`
	JobID          string          `json:"job_id"`
	Broker         string          `json:"broker"`
	StartTime      *int64          `json:"start_time"`
	StopTime       *int64          `json:"stop_time"`
	FileAttributes struct {
		FileName string `json:"file_name"`
	} `json:"file_attributes"`
	NexusStructure json.RawMessage `json:"nexus_structure"`
	Streams        []struct {
		Topic        string `json:"topic"`
		Source       string `json:"source"`
		WriterModule string `json:"writer_module"`
	} `json:"streams"`
}

// Dispatch validates raw against the schema document, then routes the
// decoded command to handler. Validation failures return an Invalid
// error carrying every schema violation (spec.md §4.8 "Validation
// failures return CommandRejected with a reason").
func (p *Processor) Dispatch(raw []byte, handler Handler) error {
	result, err := gojsonschema.Validate(p.schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return kerrors.WrapInvalid(err, "command.Processor", "Dispatch", "validate command envelope")
	}
	if !result.Valid() {
		return kerrors.WrapInvalid(fmt.Errorf("%s", describeErrors(result.Errors())), "command.Processor", "Dispatch", "command rejected")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return kerrors.WrapInvalid(err, "command.Processor", "Dispatch", "decode command envelope")
	}

	switch Cmd(env.Cmd) {
	case FileWriterNew:
		cmd := NewJobCommand{
			JobID:          env.JobID,
			Broker:         env.Broker,
			FileName:       env.FileAttributes.FileName,
			NexusStructure: env.NexusStructure,
		}
		if env.StartTime != nil {
			cmd.StartTimeMs = *env.StartTime
		}
		if env.StopTime != nil {
			cmd.StopTimeMs = *env.StopTime
		}
		for _, s := range env.Streams {
			cmd.Streams = append(cmd.Streams, StreamDecl{Topic: s.Topic, Source: s.Source, WriterModule: s.WriterModule})
		}
		if cmd.StopTimeMs > 0 && cmd.StartTimeMs > 0 && cmd.StartTimeMs > cmd.StopTimeMs {
			return kerrors.WrapInvalid(kerrors.ErrConfigInvalid, "command.Processor", "Dispatch", "start_time after stop_time")
		}
		return handler.HandleNew(cmd)
	case FileWriterStop:
		cmd := StopJobCommand{JobID: env.JobID}
		if env.StopTime != nil {
			cmd.StopTimeMs = *env.StopTime
			cmd.HasStopTime = true
		}
		return handler.HandleStop(cmd)
	case FileWriterExit:
		return handler.HandleExit()
	case ClearAll:
		return handler.HandleClearAll()
	default:
		return kerrors.WrapInvalid(kerrors.ErrConfigInvalid, "command.Processor", "Dispatch", "unrecognized cmd "+env.Cmd)
	}
}

func describeErrors(errs []gojsonschema.ResultError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return strings.Join(parts, "; ")
}

// Package template implements the File Assembler (spec.md §4.2): a
// depth-first walker that turns a job's declared JSON template into
// on-disk groups, datasets, and attributes, and collects stream
// placeholders for the orchestrator to bind writer modules onto.
// Grounded on original_source/src/HDFFile.cpp's createHDFStructures/
// addLinks passes, recast into Go's explicit-error idiom: per-node
// failures are logged and the walk continues, matching the original's
// catch-and-log behaviour around a single node.
package template

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	kerrors "github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
)

const (
	maxNestingDepth    = 10
	maxFixedStringSize = 4 * 1024 * 1024
	defaultChunkSize   = 1024
)

// StreamPlaceholder is emitted for every "stream" template node; the
// orchestrator binds each one to a writer module per spec.md §4.3.
type StreamPlaceholder struct {
	HDFPath    string
	ConfigJSON json.RawMessage
}

type datasetFields struct {
	Space      string          `json:"space"`
	Type       string          `json:"type"`
	Size       json.RawMessage `json:"size"`
	StringSize int             `json:"string_size"`
}

type templateNode struct {
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Attributes json.RawMessage   `json:"attributes"`
	Children   []json.RawMessage `json:"children"`
	Dataset    *datasetFields    `json:"dataset"`
	Values     json.RawMessage   `json:"values"`
	Target     string            `json:"target"`
	// WriterModule marks a stream node; its "type" key may carry the
	// stream's value type instead of "stream".
	WriterModule string `json:"writer_module"`
}

type linkTask struct {
	declaredIn string // absolute path of the group that will contain the link
	name       string
	target     string
}

// Walk descends nexusStructure (the job's `nexus_structure` JSON, spec.md
// §6) from root and returns every stream placeholder it finds. Only a
// malformed top-level document is a hard error; every per-node failure is
// logged and skipped so the file ends up as complete as possible (spec.md
// §4.2 "Errors at a single node... do not abort the walk").
func Walk(root nexusfile.Group, nexusStructure json.RawMessage, logger *slog.Logger) ([]StreamPlaceholder, error) {
	var top struct {
		Children []json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(nexusStructure, &top); err != nil {
		return nil, kerrors.WrapInvalid(err, "template", "Walk", "parse nexus_structure")
	}

	w := &walker{
		pathIndex: map[string]nexusfile.Group{"/": root},
		logger:    logger,
	}
	for _, child := range top.Children {
		w.walkNode(child, root, "/", 1)
	}
	w.resolveLinks()
	return w.streams, nil
}

type walker struct {
	pathIndex map[string]nexusfile.Group
	streams   []StreamPlaceholder
	links     []linkTask
	logger    *slog.Logger
}

func (w *walker) warn(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, args...)
	}
}

func (w *walker) walkNode(raw json.RawMessage, parent nexusfile.Group, parentPath string, depth int) {
	if depth > maxNestingDepth {
		w.warn("template nesting too deep, skipping subtree", "path", parentPath, "depth", depth)
		return
	}
	var n templateNode
	if err := json.Unmarshal(raw, &n); err != nil {
		w.warn("malformed template node, skipping", "path", parentPath, "error", err)
		return
	}

	kind := n.Type
	if n.WriterModule != "" {
		kind = "stream"
	}
	switch kind {
	case "group":
		w.walkGroup(n, parent, parentPath, depth)
	case "dataset":
		w.createDataset(n, parent, parentPath)
	case "stream":
		w.streams = append(w.streams, StreamPlaceholder{HDFPath: parentPath, ConfigJSON: raw})
	case "link":
		if n.Name == "" || n.Target == "" {
			w.warn("link node missing name or target, skipping", "path", parentPath)
			return
		}
		w.links = append(w.links, linkTask{declaredIn: parentPath, name: n.Name, target: n.Target})
	default:
		w.warn("unknown template node type, skipping", "type", n.Type, "path", parentPath)
	}
}

func (w *walker) walkGroup(n templateNode, parent nexusfile.Group, parentPath string, depth int) {
	if n.Name == "" {
		w.warn("group node missing name, skipping", "path", parentPath)
		return
	}
	child, err := parent.CreateGroup(n.Name)
	if errors.Is(err, kerrors.ErrGroupAlreadyInit) {
		// A resumed job walks a file that already holds this group.
		child, err = parent.OpenGroup(n.Name)
	}
	if err != nil {
		w.warn("failed to create group, skipping subtree", "path", parentPath, "name", n.Name, "error", err)
		return
	}
	childPath := joinPath(parentPath, n.Name)
	w.pathIndex[childPath] = child
	applyAttributes(child, n.Attributes, w)
	for _, c := range n.Children {
		w.walkNode(c, child, childPath, depth+1)
	}
}

func (w *walker) createDataset(n templateNode, parent nexusfile.Group, parentPath string) {
	if n.Name == "" {
		w.warn("dataset node missing name, skipping", "path", parentPath)
		return
	}
	if n.Dataset != nil && n.Dataset.Space != "" && n.Dataset.Space != "simple" {
		w.warn("unsupported dataset space, skipping", "path", parentPath, "name", n.Name, "space", n.Dataset.Space)
		return
	}

	var values any
	if len(n.Values) > 0 {
		if err := json.Unmarshal(n.Values, &values); err != nil {
			w.warn("malformed dataset values, skipping", "path", parentPath, "name", n.Name, "error", err)
			return
		}
	}

	typeStr := ""
	if n.Dataset != nil {
		typeStr = n.Dataset.Type
	}
	dtype, err := inferDType(typeStr, values)
	if err != nil {
		w.warn("unsupported dataset type, skipping", "path", parentPath, "name", n.Name, "error", err)
		return
	}

	shape, unlimited, chunk := parseSize(n.Dataset)

	stringSize := 0
	if n.Dataset != nil {
		stringSize = n.Dataset.StringSize
		if stringSize > maxFixedStringSize {
			w.warn("fixed string_size exceeds cap, truncating", "path", parentPath, "name", n.Name, "requested", stringSize)
			stringSize = maxFixedStringSize
		}
	}

	spec := nexusfile.DatasetSpec{
		Name:       n.Name,
		Type:       dtype,
		Shape:      shape,
		Unlimited:  unlimited,
		ChunkSize:  chunk,
		StringSize: stringSize,
	}
	ds, err := parent.CreateDataset(spec)
	if err != nil {
		w.warn("failed to create dataset, skipping", "path", parentPath, "name", n.Name, "error", err)
		return
	}

	rows := flattenValues(values)
	if len(rows) > 0 {
		if _, err := ds.Append(rows...); err != nil {
			w.warn("failed to write dataset values", "path", parentPath, "name", n.Name, "error", err)
		}
	}
	applyAttributes(ds, n.Attributes, w)
}

// inferDType resolves the dataset's element type: an explicit
// dataset.type wins; otherwise a floating value promotes to double per
// spec.md §4.2 step 3, and a string value selects the string type.
func inferDType(typeStr string, values any) (nexusfile.DType, error) {
	if typeStr != "" {
		return nexusfile.ParseDType(typeStr)
	}
	switch v := values.(type) {
	case string:
		return nexusfile.String, nil
	case []any:
		if len(v) == 0 {
			return nexusfile.Float64, nil
		}
		return inferDType("", v[0])
	default:
		return nexusfile.Float64, nil
	}
}

// parseSize interprets dataset.size (spec.md §4.2 step 3): an empty or
// absent size is a scalar/implicit-length fixed dataset; a first element
// of the literal "unlimited" selects a chunked, append-only layout with a
// default chunk size; any other first element is a concrete fixed length.
func parseSize(d *datasetFields) (shape []uint64, unlimited bool, chunk uint64) {
	if d == nil || len(d.Size) == 0 {
		return nil, false, 0
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(d.Size, &raw); err != nil || len(raw) == 0 {
		return nil, false, 0
	}
	var asString string
	if json.Unmarshal(raw[0], &asString) == nil && asString == "unlimited" {
		return nil, true, defaultChunkSize
	}
	var n int64
	if json.Unmarshal(raw[0], &n) == nil && n >= 0 {
		return []uint64{uint64(n)}, false, 0
	}
	return nil, false, 0
}

// flattenValues renders a decoded `values` JSON value as a flat slice of
// rows ready for Dataset.Append, one row per leaf scalar.
func flattenValues(values any) []any {
	switch v := values.(type) {
	case nil:
		return nil
	case []any:
		rows := make([]any, 0, len(v))
		for _, e := range v {
			rows = append(rows, flattenValues(e)...)
		}
		return rows
	default:
		return []any{v}
	}
}

type attributeEntry struct {
	Name   string          `json:"name"`
	Values json.RawMessage `json:"values"`
	Type   string          `json:"type"`
	Dtype  string          `json:"dtype"`
}

// applyAttributes writes the node's `attributes` onto obj. Both the
// array-of-objects form (spec.md's preferred form, each entry carrying an
// optional explicit type) and a plain {name: value} object are accepted.
// Array-valued attributes have no home in the nexusfile.Attributable
// contract (scalar and string only); they are logged and skipped rather
// than guessed at.
func applyAttributes(obj nexusfile.Attributable, raw json.RawMessage, w *walker) {
	if len(raw) == 0 {
		return
	}
	var entries []attributeEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		for _, e := range entries {
			if e.Name == "" {
				continue
			}
			writeAttribute(obj, e.Name, e.Values, firstNonEmpty(e.Type, e.Dtype), w)
		}
		return
	}
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err == nil {
		for name, v := range asObject {
			writeAttribute(obj, name, v, "", w)
		}
	}
}

func writeAttribute(obj nexusfile.Attributable, name string, valuesRaw json.RawMessage, typeStr string, w *walker) {
	var v any
	if err := json.Unmarshal(valuesRaw, &v); err != nil {
		w.warn("malformed attribute value, skipping", "name", name, "error", err)
		return
	}
	switch vv := v.(type) {
	case string:
		if err := obj.WriteAttributeString(name, vv); err != nil {
			w.warn("failed to write string attribute", "name", name, "error", err)
		}
	case float64:
		dtype := nexusfile.Float64
		if typeStr != "" {
			if d, err := nexusfile.ParseDType(typeStr); err == nil {
				dtype = d
			}
		}
		if err := obj.WriteAttributeScalar(name, dtype, vv); err != nil {
			w.warn("failed to write scalar attribute", "name", name, "error", err)
		}
	case bool:
		val := uint8(0)
		if vv {
			val = 1
		}
		if err := obj.WriteAttributeScalar(name, nexusfile.Uint8, val); err != nil {
			w.warn("failed to write boolean attribute", "name", name, "error", err)
		}
	default:
		w.warn("unsupported or array attribute value, skipping", "name", name)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// resolveLinks is the template walker's second pass (spec.md §4.2 step
// 5), grounded on original_source/src/HDFFile.cpp's addLinks: for each
// "../" prefix on a link's target, step the resolution base up one group
// level, then resolve the remainder from there. A target that does not
// exist after resolution is logged and skipped, never aborts the job.
func (w *walker) resolveLinks() {
	for _, l := range w.links {
		base := l.declaredIn
		remaining := l.target
		for strings.HasPrefix(remaining, "../") {
			remaining = remaining[3:]
			base = parentOf(base)
		}
		absTarget := joinPath(base, remaining)
		if _, ok := w.pathIndex[absTarget]; !ok {
			w.warn("link target does not exist, skipping", "name", l.name, "target", absTarget)
			continue
		}
		declaredGroup, ok := w.pathIndex[l.declaredIn]
		if !ok {
			continue
		}
		if err := declaredGroup.CreateLink(l.name, absTarget); err != nil {
			w.warn("failed to create link", "name", l.name, "target", absTarget, "error", err)
		}
	}
}

// ResolveGroup walks root down to the absolute path produced by Walk (e.g.
// a StreamPlaceholder's HDFPath), opening each path segment in turn. Used
// by the stream-binding step (spec.md §4.3 step 2) since the walker's
// internal path index is not retained past Walk's return.
func ResolveGroup(root nexusfile.Group, path string) (nexusfile.Group, error) {
	if path == "" || path == "/" {
		return root, nil
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	g := root
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		child, err := g.OpenGroup(seg)
		if err != nil {
			return nil, kerrors.WrapInvalid(err, "template", "ResolveGroup", "open "+path)
		}
		g = child
	}
	return g, nil
}

func joinPath(parent, name string) string {
	if name == "" {
		return parent
	}
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func parentOf(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

package collector

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"aegisflux/nets/internal/model"
)

//go:embed schemas/flow_event.json
var flowEventSchema []byte

// MaxLineSize bounds a single JSON line
const MaxLineSize = 1 << 20

// Validator checks raw collector lines against the FlowEvent schema
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded FlowEvent schema
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource("flow_event.json", bytes.NewReader(flowEventSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("flow_event.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Decode validates one JSON document and decodes it into a FlowEvent
func (v *Validator) Decode(line []byte) (*model.FlowEvent, error) {
	var doc any
	if err := json.Unmarshal(line, &doc); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	var ev model.FlowEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if ev.TsLast.IsZero() {
		ev.TsLast = ev.TsFirst
	}
	if ev.Packets == 0 {
		ev.Packets = 1
	}
	return &ev, nil
}

// JSONLSource reads newline delimited FlowEvents from a stream. Invalid
// lines are counted and skipped.
type JSONLSource struct {
	name      string
	r         io.Reader
	validator *Validator
	logger    *slog.Logger
	onInvalid func(line int, err error)

	read    atomic.Uint64
	invalid atomic.Uint64
}

// NewJSONLSource creates a source reading from r
func NewJSONLSource(name string, r io.Reader, validator *Validator, logger *slog.Logger) *JSONLSource {
	return &JSONLSource{
		name:      name,
		r:         r,
		validator: validator,
		logger:    logger.With("component", "collector", "source", name),
	}
}

// OnInvalid registers a callback for rejected lines
func (s *JSONLSource) OnInvalid(fn func(line int, err error)) {
	s.onInvalid = fn
}

func (s *JSONLSource) Name() string { return s.name }

// Run decodes lines until EOF. Submission errors end the run.
func (s *JSONLSource) Run(ctx context.Context, sink Sink) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		ev, err := s.validator.Decode(raw)
		if err != nil {
			s.invalid.Add(1)
			s.logger.Warn("Event validation failed", "line", line, "error", err)
			if s.onInvalid != nil {
				s.onInvalid(line, err)
			}
			continue
		}
		s.read.Add(1)
		if err := sink.Submit(ctx, ev); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read %s: %w", s.name, err)
	}
	s.logger.Info("Source exhausted", "events", s.read.Load(), "invalid", s.invalid.Load())
	return nil
}

// Stats returns read counters
func (s *JSONLSource) Stats() Stats {
	return Stats{Read: s.read.Load(), Invalid: s.invalid.Load()}
}

package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
)

// ErrSkip is returned by a stage to drop the record without an error.
var ErrSkip = errors.New("transform: skip record")

// Transformer applies a transformation function to records.
type Transformer struct {
	name string
	fn   TransformFunc
}

// TransformFunc is the signature for any transformation operation.
// It receives a private copy of the record and returns the modified
// record, ErrSkip to drop it, or an error.
type TransformFunc func(ctx context.Context, record ingestion.Record) (ingestion.Record, error)

// Pipeline chains transformers. Every record flows through each stage in
// order before it is published.
type Pipeline struct {
	stages     []*Transformer
	errHandler func(error, ingestion.Record)
	mu         sync.RWMutex
}

// NewPipeline creates an empty transform pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		errHandler: func(err error, r ingestion.Record) {
			slog.Warn("transform error", "record", r.ID, "error", err)
		},
	}
}

// AddStage appends a named transformer to the pipeline.
func (p *Pipeline) AddStage(name string, fn TransformFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, &Transformer{name: name, fn: fn})
}

// SetErrorHandler sets a custom error handler for failed transformations.
func (p *Pipeline) SetErrorHandler(handler func(error, ingestion.Record)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errHandler = handler
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Apply runs record through every stage. The boolean is false when a stage
// skipped the record or failed; failures are also passed to the error
// handler. The caller's record is never modified.
func (p *Pipeline) Apply(ctx context.Context, record ingestion.Record) (ingestion.Record, bool, error) {
	p.mu.RLock()
	stages := make([]*Transformer, len(p.stages))
	copy(stages, p.stages)
	handler := p.errHandler
	p.mu.RUnlock()

	if len(stages) == 0 {
		return record, true, nil
	}

	rec := record
	rec.Data = make(map[string]interface{}, len(record.Data))
	for k, v := range record.Data {
		rec.Data[k] = v
	}

	for _, stage := range stages {
		var err error
		rec, err = stage.fn(ctx, rec)
		if errors.Is(err, ErrSkip) {
			return record, false, nil
		}
		if err != nil {
			err = fmt.Errorf("stage %q: %w", stage.name, err)
			if handler != nil {
				handler(err, record)
			}
			return record, false, err
		}
	}
	return rec, true, nil
}

// ---- Built-in Transform Functions ----

// FilterTransform skips records that don't match a condition.
func FilterTransform(field, operator, value string) TransformFunc {
	return func(ctx context.Context, rec ingestion.Record) (ingestion.Record, error) {
		fieldVal, ok := rec.Data[field]
		if !ok {
			return rec, fmt.Errorf("field %q not found in record", field)
		}

		strVal := fmt.Sprintf("%v", fieldVal)

		var match bool
		switch operator {
		case "eq":
			match = strVal == value
		case "neq":
			match = strVal != value
		case "contains":
			match = strings.Contains(strVal, value)
		case "gt", "lt":
			a, errA := strconv.ParseFloat(strVal, 64)
			b, errB := strconv.ParseFloat(value, 64)
			if errA != nil || errB != nil {
				return rec, fmt.Errorf("field %q: non-numeric comparison %q %s %q", field, strVal, operator, value)
			}
			if operator == "gt" {
				match = a > b
			} else {
				match = a < b
			}
		default:
			return rec, fmt.Errorf("unknown operator: %s", operator)
		}

		if !match {
			return rec, ErrSkip
		}
		return rec, nil
	}
}

// MapTransform renames fields: each key of mappings is the new name for
// the field named by its value.
func MapTransform(mappings map[string]string) TransformFunc {
	return func(ctx context.Context, rec ingestion.Record) (ingestion.Record, error) {
		for newField, sourceField := range mappings {
			if val, ok := rec.Data[sourceField]; ok {
				rec.Data[newField] = val
				if newField != sourceField {
					delete(rec.Data, sourceField)
				}
			}
		}
		return rec, nil
	}
}

// NormalizeTransform lowercases string fields and trims whitespace.
func NormalizeTransform(fields []string) TransformFunc {
	return func(ctx context.Context, rec ingestion.Record) (ingestion.Record, error) {
		for _, field := range fields {
			if val, ok := rec.Data[field]; ok {
				if strVal, ok := val.(string); ok {
					rec.Data[field] = strings.TrimSpace(strings.ToLower(strVal))
				}
			}
		}
		return rec, nil
	}
}

package collector

import (
	"context"

	"aegisflux/nets/internal/model"
)

// Sink receives decoded collector events
type Sink interface {
	Submit(ctx context.Context, ev *model.FlowEvent) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, ev *model.FlowEvent) error

func (f SinkFunc) Submit(ctx context.Context, ev *model.FlowEvent) error {
	return f(ctx, ev)
}

// Source produces FlowEvents until its input ends or ctx is cancelled
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// Stats counts what a source read
type Stats struct {
	Read    uint64 `json:"read"`
	Invalid uint64 `json:"invalid"`
	Skipped uint64 `json:"skipped"`
}

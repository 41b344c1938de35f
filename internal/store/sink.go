package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"aegisflux/nets/internal/model"
)

// ErrNonLocalEndpoint is returned when a storage endpoint is not on this host
var ErrNonLocalEndpoint = errors.New("storage endpoint is not local")

// Sink persists alerts and flows. Writes must be idempotent: the same
// alert id or flow id written twice is stored once.
type Sink interface {
	Name() string
	PutAlert(ctx context.Context, alert *model.Alert) error
	PutFlow(ctx context.Context, flow *model.NormalizedFlow) error
	Close() error
}

// MultiSink fans writes out to every sink and joins their errors
type MultiSink []Sink

func (m MultiSink) Name() string {
	names := make([]string, 0, len(m))
	for _, s := range m {
		names = append(names, s.Name())
	}
	return strings.Join(names, ",")
}

func (m MultiSink) PutAlert(ctx context.Context, alert *model.Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.PutAlert(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) PutFlow(ctx context.Context, flow *model.NormalizedFlow) error {
	var errs []error
	for _, s := range m {
		if err := s.PutFlow(ctx, flow); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every member that buffers writes
func (m MultiSink) Flush() error {
	var errs []error
	for _, s := range m {
		if f, ok := s.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsLocalHost reports whether host names this machine: empty, localhost,
// a loopback address or a unix socket directory.
func IsLocalHost(host string) bool {
	if strings.HasPrefix(host, "/") {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" || host == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Unmap().IsLoopback()
}

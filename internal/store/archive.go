package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"aegisflux/nets/internal/model"
)

// Record kinds written to an archive
const (
	KindAlert = "alert"
	KindFlow  = "flow"
)

// Record is one JSON line of an archive
type Record struct {
	Kind  string                `json:"kind"`
	Ts    time.Time             `json:"ts"`
	Alert *model.Alert          `json:"alert,omitempty"`
	Flow  *model.NormalizedFlow `json:"flow,omitempty"`
}

// ArchiveSink appends alerts and flows as zstd compressed JSON lines.
// Every open starts a new zstd frame, so an archive may hold several.
type ArchiveSink struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	enc     *zstd.Encoder
	seen    *lru.Cache[string, bool]
	logger  *slog.Logger
	written int
	closed  bool
}

// NewArchiveSink opens (or creates) the archive at path
func NewArchiveSink(path string, dedupeCap int, logger *slog.Logger) (*ArchiveSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if dedupeCap <= 0 {
		dedupeCap = 65536
	}
	seen, _ := lru.New[string, bool](dedupeCap)

	return &ArchiveSink{
		path:   path,
		file:   file,
		enc:    enc,
		seen:   seen,
		logger: logger.With("component", "archive", "path", path),
	}, nil
}

func (a *ArchiveSink) Name() string { return "archive" }

func (a *ArchiveSink) PutAlert(_ context.Context, alert *model.Alert) error {
	return a.write(KindAlert+":"+alert.ID, &Record{Kind: KindAlert, Ts: alert.Ts, Alert: alert})
}

func (a *ArchiveSink) PutFlow(_ context.Context, flow *model.NormalizedFlow) error {
	return a.write(KindFlow+":"+flow.ID, &Record{Kind: KindFlow, Ts: flow.TsLast, Flow: flow})
}

func (a *ArchiveSink) write(key string, rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", rec.Kind, err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return os.ErrClosed
	}
	if _, dup := a.seen.Get(key); dup {
		return nil
	}
	if _, err := a.enc.Write(line); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	a.seen.Add(key, true)
	a.written++
	return nil
}

// Flush pushes buffered records to the file
func (a *ArchiveSink) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	return a.enc.Flush()
}

// Written returns the number of records accepted since open
func (a *ArchiveSink) Written() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

func (a *ArchiveSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	encErr := a.enc.Close()
	if err := a.file.Close(); err != nil && encErr == nil {
		encErr = err
	}
	a.logger.Info("Archive closed", "records", a.written)
	return encErr
}

// ReadArchive calls fn for every record in the archive, in write order.
// A truncated final frame ends the read without error.
func ReadArchive(path string, fn func(*Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("archive line %d: %w", line, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	return nil
}

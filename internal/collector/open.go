package collector

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Open selects a source for path. "" and "-" read JSON lines from stdin,
// a .pcap file is replayed, anything else is read as JSON lines. The
// returned func releases the input.
func Open(path, iface string, onInvalid func(line int, err error), logger *slog.Logger) (Source, func() error, error) {
	noop := func() error { return nil }

	if strings.EqualFold(filepath.Ext(path), ".pcap") {
		if _, err := os.Stat(path); err != nil {
			return nil, nil, fmt.Errorf("failed to open capture: %w", err)
		}
		return NewPcapSource(path, iface, logger), noop, nil
	}

	validator, err := NewValidator()
	if err != nil {
		return nil, nil, err
	}
	if path == "" || path == "-" {
		src := NewJSONLSource("stdin", os.Stdin, validator, logger)
		src.OnInvalid(onInvalid)
		return src, noop, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	src := NewJSONLSource("jsonl:"+path, f, validator, logger)
	src.OnInvalid(onInvalid)
	return src, f.Close, nil
}

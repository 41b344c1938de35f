package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"aegisflux/nets/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS nets_alerts (
	id               TEXT PRIMARY KEY,
	ts               TIMESTAMPTZ NOT NULL,
	severity         TEXT NOT NULL,
	rule_id          TEXT NOT NULL,
	source           TEXT NOT NULL,
	summary          TEXT NOT NULL,
	flow_refs        TEXT[] NOT NULL,
	process_ref      TEXT,
	rationale        TEXT,
	suggested_action TEXT
);
CREATE INDEX IF NOT EXISTS nets_alerts_ts_idx ON nets_alerts (ts);
CREATE TABLE IF NOT EXISTS nets_flows (
	id           TEXT PRIMARY KEY,
	window_start TIMESTAMPTZ NOT NULL,
	ts_last      TIMESTAMPTZ NOT NULL,
	proto        TEXT NOT NULL,
	src_ip       TEXT,
	src_port     INTEGER,
	dst_ip       TEXT,
	dst_port     INTEGER,
	direction    TEXT,
	state        TEXT,
	iface        TEXT,
	bytes        BIGINT,
	packets      BIGINT,
	events       INTEGER,
	tags         TEXT[],
	degraded     BOOLEAN,
	detail       JSONB
);
CREATE INDEX IF NOT EXISTS nets_flows_ts_idx ON nets_flows (ts_last);
`

// PostgresSink writes alerts and flows to a local PostgreSQL database
type PostgresSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSink connects to dsn, which must point at this host, and
// creates the tables when missing
func NewPostgresSink(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSink, error) {
	host, err := dsnHost(dsn)
	if err != nil {
		return nil, err
	}
	if !IsLocalHost(host) {
		return nil, fmt.Errorf("%w: %s", ErrNonLocalEndpoint, host)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &PostgresSink{db: db, logger: logger.With("component", "postgres")}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) PutAlert(ctx context.Context, a *model.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nets_alerts (id, ts, severity, rule_id, source, summary, flow_refs, process_ref, rationale, suggested_action)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Ts, string(a.Severity), a.RuleID, a.Source, a.Summary,
		pq.Array(a.FlowRefs), a.ProcessRef, a.Rationale, a.SuggestedAction)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", a.ID, err)
	}
	return nil
}

// flowDetail is the enrichment stored as JSONB
type flowDetail struct {
	Process *model.ProcessIdentity `json:"process,omitempty"`
	Layer2  *model.Layer2          `json:"layer2,omitempty"`
	TLS     *model.TLSInfo         `json:"tls,omitempty"`
	DNS     *model.DNSInfo         `json:"dns,omitempty"`
}

func (s *PostgresSink) PutFlow(ctx context.Context, f *model.NormalizedFlow) error {
	detail, err := json.Marshal(flowDetail{Process: f.Process, Layer2: f.Layer2, TLS: f.TLS, DNS: f.DNS})
	if err != nil {
		return fmt.Errorf("failed to encode flow detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nets_flows (id, window_start, ts_last, proto, src_ip, src_port, dst_ip, dst_port,
			direction, state, iface, bytes, packets, events, tags, degraded, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`,
		f.ID, f.WindowStart, f.TsLast, f.Key.Proto,
		addrString(f.Key.SrcIP.String()), int(f.Key.SrcPort),
		addrString(f.Key.DstIP.String()), int(f.Key.DstPort),
		string(f.Direction), f.State, f.Iface,
		int64(f.Bytes), int64(f.Packets), f.Events,
		pq.Array(f.Tags), f.Degraded, string(detail))
	if err != nil {
		return fmt.Errorf("failed to insert flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

func addrString(s string) string {
	if s == "invalid IP" {
		return ""
	}
	return s
}

// dsnHost extracts the host from a URL or key=value connection string
func dsnHost(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		kv, err := pq.ParseURL(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid postgres url: %w", err)
		}
		dsn = kv
	}
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if ok && key == "host" {
			return strings.Trim(value, "'"), nil
		}
	}
	return "", nil
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"aegisflux/nets/internal/model"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/store"
)

// Subjects used on the local bus
const (
	SubjectAlerts    = "nets.alerts"
	SubjectDecisions = "nets.decisions"
	SubjectStatus    = "nets.status"
	SubjectCommands  = "nets.decisions.commands"
)

// ErrNonLocalEndpoint is returned for a NATS URL that is not on this host
var ErrNonLocalEndpoint = errors.New("nats endpoint is not local")

// Conn is the subset of *nats.Conn the bus uses
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// DecisionController executes operator commands
type DecisionController interface {
	Confirm(id, actor string) error
	Reject(id, actor string) error
	Cancel(id, actor string) error
	Rollback(ctx context.Context, id, actor string) error
	Get(id string) (policy.Decision, error)
}

// Bus publishes pipeline output and receives decision commands over NATS
type Bus struct {
	conn    Conn
	logger  *slog.Logger
	onError func(subject string, err error)
	sub     *nats.Subscription
}

// Connect dials a loopback NATS server
func Connect(rawURL, name string, logger *slog.Logger) (*Bus, error) {
	if err := checkLocalURL(rawURL); err != nil {
		return nil, err
	}
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(rawURL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return NewBus(nc, logger), nil
}

// NewBus wraps an existing connection
func NewBus(conn Conn, logger *slog.Logger) *Bus {
	return &Bus{conn: conn, logger: logger}
}

// OnError registers a callback for publish failures
func (b *Bus) OnError(fn func(subject string, err error)) {
	b.onError = fn
}

// PublishAlert publishes an alert on nets.alerts
func (b *Bus) PublishAlert(alert *model.Alert) error {
	return b.publish(SubjectAlerts, alert)
}

// PublishDecision publishes a decision transition on nets.decisions
func (b *Bus) PublishDecision(ev policy.Event) error {
	return b.publish(SubjectDecisions, ev)
}

// PublishStatus publishes a pipeline status snapshot on nets.status
func (b *Bus) PublishStatus(status any) error {
	return b.publish(SubjectStatus, status)
}

func (b *Bus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish", "subject", subject, "error", err)
		if b.onError != nil {
			b.onError(subject, err)
		}
		return err
	}
	return nil
}

// Command is an operator request received on nets.decisions.commands
type Command struct {
	Action     string `json:"action"`
	DecisionID string `json:"decision_id"`
	Actor      string `json:"actor"`
}

// CommandResult is the reply sent to request/reply callers
type CommandResult struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Decision *policy.Decision `json:"decision,omitempty"`
}

// ServeCommands subscribes to decision commands until Close
func (b *Bus) ServeCommands(ctrl DecisionController) error {
	sub, err := b.conn.Subscribe(SubjectCommands, func(msg *nats.Msg) {
		res := HandleCommand(context.Background(), ctrl, msg.Data)
		if !res.OK {
			b.logger.Warn("Decision command failed", "error", res.Error)
		}
		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(res)
		if err := msg.Respond(data); err != nil {
			b.logger.Error("Failed to reply to command", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectCommands, err)
	}
	b.sub = sub
	b.logger.Info("Subscribed to decision commands", "subject", SubjectCommands)
	return nil
}

// HandleCommand decodes and executes one command
func HandleCommand(ctx context.Context, ctrl DecisionController, data []byte) CommandResult {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return CommandResult{Error: "malformed command: " + err.Error()}
	}
	if cmd.DecisionID == "" {
		return CommandResult{Error: "decision_id is required"}
	}
	actor := cmd.Actor
	if actor == "" {
		actor = "nats"
	}

	var err error
	switch strings.ToLower(cmd.Action) {
	case "confirm":
		err = ctrl.Confirm(cmd.DecisionID, actor)
	case "reject":
		err = ctrl.Reject(cmd.DecisionID, actor)
	case "cancel":
		err = ctrl.Cancel(cmd.DecisionID, actor)
	case "rollback":
		err = ctrl.Rollback(ctx, cmd.DecisionID, actor)
	default:
		return CommandResult{Error: fmt.Sprintf("unknown action %q", cmd.Action)}
	}
	if err != nil {
		return CommandResult{Error: err.Error()}
	}
	d, err := ctrl.Get(cmd.DecisionID)
	if err != nil {
		return CommandResult{OK: true}
	}
	return CommandResult{OK: true, Decision: &d}
}

// Close drains the connection
func (b *Bus) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	return b.conn.Drain()
}

func checkLocalURL(raw string) error {
	for _, part := range strings.Split(raw, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid nats url %q: %w", part, err)
		}
		if u.Hostname() == "" || !store.IsLocalHost(u.Hostname()) {
			return fmt.Errorf("%w: %s", ErrNonLocalEndpoint, part)
		}
	}
	return nil
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/nets/internal/model"
	"aegisflux/nets/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	handler   nats.MsgHandler
	fail      error
	drained   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: make(map[string][][]byte)}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.published[subject] = append(c.published[subject], data)
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.handler = cb
	return nil, nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

type fakeController struct {
	calls []string
	err   error
}

func (f *fakeController) record(action, id, actor string) error {
	f.calls = append(f.calls, action+":"+id+":"+actor)
	return f.err
}

func (f *fakeController) Confirm(id, actor string) error { return f.record("confirm", id, actor) }
func (f *fakeController) Reject(id, actor string) error { return f.record("reject", id, actor) }
func (f *fakeController) Cancel(id, actor string) error { return f.record("cancel", id, actor) }
func (f *fakeController) Rollback(_ context.Context, id, actor string) error {
	return f.record("rollback", id, actor)
}
func (f *fakeController) Get(id string) (policy.Decision, error) {
	return policy.Decision{ID: id, State: policy.StateConfirmed}, nil
}

func TestBus_Publish(t *testing.T) {
	conn := newFakeConn()
	bus := NewBus(conn, testLogger())

	require.NoError(t, bus.PublishAlert(&model.Alert{ID: "a1", RuleID: "r", Severity: model.SeverityHigh}))
	require.NoError(t, bus.PublishDecision(policy.Event{Decision: policy.Decision{ID: "d1"}, Transition: policy.Transition{To: policy.StateProposed}}))
	require.NoError(t, bus.PublishStatus(map[string]any{"degraded": true}))

	require.Len(t, conn.published[SubjectAlerts], 1)
	var alert model.Alert
	require.NoError(t, json.Unmarshal(conn.published[SubjectAlerts][0], &alert))
	assert.Equal(t, "a1", alert.ID)

	var ev policy.Event
	require.NoError(t, json.Unmarshal(conn.published[SubjectDecisions][0], &ev))
	assert.Equal(t, policy.StateProposed, ev.Transition.To)
	assert.JSONEq(t, `{"degraded":true}`, string(conn.published[SubjectStatus][0]))
}

func TestBus_PublishError(t *testing.T) {
	conn := newFakeConn()
	conn.fail = errors.New("connection closed")
	bus := NewBus(conn, testLogger())

	var failed []string
	bus.OnError(func(subject string, err error) { failed = append(failed, subject) })

	assert.Error(t, bus.PublishAlert(&model.Alert{ID: "a1"}))
	assert.Equal(t, []string{SubjectAlerts}, failed)
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ok      bool
		call    string
	}{
		{"confirm", `{"action":"confirm","decision_id":"d1","actor":"alice"}`, true, "confirm:d1:alice"},
		{"default actor", `{"action":"REJECT","decision_id":"d1"}`, true, "reject:d1:nats"},
		{"cancel", `{"action":"cancel","decision_id":"d2","actor":"bob"}`, true, "cancel:d2:bob"},
		{"rollback", `{"action":"rollback","decision_id":"d3","actor":"bob"}`, true, "rollback:d3:bob"},
		{"unknown action", `{"action":"apply","decision_id":"d1"}`, false, ""},
		{"missing id", `{"action":"confirm"}`, false, ""},
		{"malformed", `{`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			res := HandleCommand(context.Background(), ctrl, []byte(tt.payload))
			assert.Equal(t, tt.ok, res.OK, res.Error)
			if tt.call != "" {
				assert.Equal(t, []string{tt.call}, ctrl.calls)
				require.NotNil(t, res.Decision)
			} else {
				assert.Empty(t, ctrl.calls)
				assert.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestHandleCommand_ControllerError(t *testing.T) {
	ctrl := &fakeController{err: policy.ErrNotFound}
	res := HandleCommand(context.Background(), ctrl, []byte(`{"action":"confirm","decision_id":"x"}`))
	assert.False(t, res.OK)
	assert.Equal(t, policy.ErrNotFound.Error(), res.Error)
}

func TestBus_ServeCommands(t *testing.T) {
	conn := newFakeConn()
	bus := NewBus(conn, testLogger())
	ctrl := &fakeController{}

	require.NoError(t, bus.ServeCommands(ctrl))
	require.NotNil(t, conn.handler)
	conn.handler(&nats.Msg{Subject: SubjectCommands, Data: []byte(`{"action":"confirm","decision_id":"d9"}`)})
	assert.Equal(t, []string{"confirm:d9:nats"}, ctrl.calls)

	require.NoError(t, bus.Close())
	assert.True(t, conn.drained)
}

func TestConnect_RejectsRemote(t *testing.T) {
	for _, u := range []string{
		"nats://broker.example.com:4222",
		"nats://127.0.0.1:4222,nats://192.0.2.10:4222",
		"nats://:4222",
	} {
		_, err := Connect(u, "nets", testLogger())
		assert.ErrorIs(t, err, ErrNonLocalEndpoint, u)
	}
}

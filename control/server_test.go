package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/procbridge/procbridge/bridge"
	"github.com/procbridge/procbridge/internal/netutil"
	"github.com/procbridge/procbridge/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChild speaks the wire protocol over in-memory pipes: it records
// everything it receives on its stdin and echoes request payloads back as
// responses, except for requests named "ignore_me".
type fakeChild struct {
	t        *testing.T
	stdout   *io.PipeWriter
	received chan bridge.Message
}

func startFakeChild(t *testing.T, b *bridge.Bridge, onMessage func(bridge.Message)) *fakeChild {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	fc := &fakeChild{
		t:        t,
		stdout:   stdoutW,
		received: make(chan bridge.Message, 16),
	}

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			msg, err := bridge.Decode(scanner.Text())
			if err != nil {
				continue
			}
			fc.received <- msg
			if msg.Type == bridge.TypeRequest && msg.ID != nil && msg.Event != "ignore_me" {
				fc.writeLine(bridge.NewResponse(*msg.ID, msg.Event, msg.Payload))
			}
		}
	}()

	t.Cleanup(func() {
		stdinW.Close()
		stdoutW.Close()
	})

	b.SetStdin(stdinW)
	b.StartStdoutListener(stdoutR, onMessage)
	return fc
}

// writeLine emits one message on the fake child's stdout.
func (fc *fakeChild) writeLine(msg bridge.Message) {
	encoded, err := bridge.Encode(msg)
	require.NoError(fc.t, err)
	_, err = fc.stdout.Write(encoded)
	require.NoError(fc.t, err)
}

type controlFixture struct {
	bridge  *bridge.Bridge
	manager *supervisor.Manager
	server  *Server
	client  *Client
	child   *fakeChild
}

func startControlFixture(t *testing.T) *controlFixture {
	t.Helper()

	b := bridge.New(bridge.WithLogger(zap.NewNop()))
	t.Cleanup(b.Close)
	b.StartTimeoutChecker()

	m := supervisor.New("backend.js", t.TempDir(), supervisor.WithLogger(zap.NewNop()))
	t.Cleanup(m.Close)

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	server := NewServer(b, m, WithLogger(zap.NewNop()), WithListenAddr(addr))
	go server.Run()
	t.Cleanup(func() { server.Stop() })

	fc := startFakeChild(t, b, server.ForwardMessage)

	client := NewClient(zap.NewNop().Sugar(), addr, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 2
	}))
	require.NoError(t, client.WaitForServer(contextWithTimeout(t, 10*time.Second)))

	return &controlFixture{bridge: b, manager: m, server: server, client: client, child: fc}
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestEmitReachesChild(t *testing.T) {
	f := startControlFixture(t)
	ctx := contextWithTimeout(t, 10*time.Second)

	require.NoError(t, f.client.Emit(ctx, "refresh", json.RawMessage(`{"view":"main"}`)))

	select {
	case msg := <-f.child.received:
		assert.Equal(t, bridge.TypeEvent, msg.Type)
		assert.Equal(t, "refresh", msg.Event)
		assert.JSONEq(t, `{"view":"main"}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("child never received the event")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	f := startControlFixture(t)
	ctx := contextWithTimeout(t, 10*time.Second)

	payload, err := f.client.Request(ctx, "get_data", json.RawMessage(`{"query":"x"}`), 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"x"}`, string(payload))
}

func TestRequestTimesOutThroughControlPlane(t *testing.T) {
	f := startControlFixture(t)
	ctx := contextWithTimeout(t, 15*time.Second)

	_, err := f.client.Request(ctx, "ignore_me", json.RawMessage(`{}`), 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestStats(t *testing.T) {
	f := startControlFixture(t)
	ctx := contextWithTimeout(t, 10*time.Second)

	stats, err := f.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingRequests)
	assert.Equal(t, 0, stats.QueuedMessages)
}

func TestHealthzWithoutChild(t *testing.T) {
	f := startControlFixture(t)
	ctx := contextWithTimeout(t, 10*time.Second)

	health, err := f.client.Health(ctx)
	require.NoError(t, err)
	assert.False(t, health.Running)
	assert.Equal(t, 0, health.RestartAttempts)
	assert.Empty(t, health.Generation)
}

func TestEventStream(t *testing.T) {
	f := startControlFixture(t)
	ctx := contextWithTimeout(t, 10*time.Second)

	events, err := f.client.Events(ctx)
	require.NoError(t, err)

	// let the subscription register before the child speaks
	require.Eventually(t, func() bool {
		f.server.subMu.Lock()
		defer f.server.subMu.Unlock()
		return len(f.server.subs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	f.child.writeLine(bridge.NewEvent("progress", json.RawMessage(`{"pct":50}`)))

	select {
	case msg := <-events:
		assert.Equal(t, "progress", msg.Event)
		assert.JSONEq(t, `{"pct":50}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no event arrived on the stream")
	}
}

func TestShutdownWithoutChildIsNoop(t *testing.T) {
	f := startControlFixture(t)
	ctx := contextWithTimeout(t, 10*time.Second)

	code, err := f.client.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

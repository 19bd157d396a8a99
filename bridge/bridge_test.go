package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b := New(WithLogger(zap.NewNop()))
	t.Cleanup(b.Close)
	return b
}

// respondTo writes a response line for the given request id into w.
func respondTo(t *testing.T, w io.Writer, id, event string, payload string) {
	t.Helper()
	encoded, err := Encode(NewResponse(id, event, json.RawMessage(payload)))
	require.NoError(t, err)
	_, err = w.Write(encoded)
	require.NoError(t, err)
}

func TestRequestHappyPath(t *testing.T) {
	b := newTestBridge(t)
	b.SetStdin(io.Discard)

	stdoutR, stdoutW := io.Pipe()
	b.StartStdoutListener(stdoutR, nil)
	defer stdoutW.Close()

	done := make(chan json.RawMessage, 1)
	id, err := b.Request("get_data", map[string]any{}, func(payload json.RawMessage, err error) {
		require.NoError(t, err)
		done <- payload
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, b.PendingRequestCount())

	respondTo(t, stdoutW, id, "get_data", `{"result":42}`)

	select {
	case payload := <-done:
		assert.JSONEq(t, `{"result":42}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response callback")
	}
	assert.Equal(t, 0, b.PendingRequestCount())
}

func TestRequestRemoteError(t *testing.T) {
	b := newTestBridge(t)
	b.SetStdin(io.Discard)

	stdoutR, stdoutW := io.Pipe()
	b.StartStdoutListener(stdoutR, nil)
	defer stdoutW.Close()

	done := make(chan error, 1)
	id, err := b.Request("get_data", nil, func(payload json.RawMessage, err error) {
		done <- err
	})
	require.NoError(t, err)

	encoded, err := Encode(NewErrorResponse(id, "get_data", "backend exploded"))
	require.NoError(t, err)
	_, err = stdoutW.Write(encoded)
	require.NoError(t, err)

	select {
	case cbErr := <-done:
		var remoteErr *RemoteError
		require.ErrorAs(t, cbErr, &remoteErr)
		assert.Equal(t, "backend exploded", remoteErr.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}
}

func TestUnknownResponseIDIsDropped(t *testing.T) {
	b := newTestBridge(t)
	b.SetStdin(io.Discard)

	stdoutR, stdoutW := io.Pipe()
	b.StartStdoutListener(stdoutR, nil)
	defer stdoutW.Close()

	respondTo(t, stdoutW, "never-issued", "get_data", `{}`)

	// the listener must keep running: a later event still reaches its handler
	got := make(chan json.RawMessage, 1)
	b.On("heartbeat", func(payload json.RawMessage) { got <- payload })

	encoded, err := Encode(NewEvent("heartbeat", json.RawMessage(`{"seq":1}`)))
	require.NoError(t, err)
	_, err = stdoutW.Write(encoded)
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"seq":1}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("listener stopped after unknown response id")
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	b := newTestBridge(t)

	stdoutR, stdoutW := io.Pipe()
	b.StartStdoutListener(stdoutR, nil)
	defer stdoutW.Close()

	got := make(chan struct{}, 1)
	b.On("after", func(json.RawMessage) { got <- struct{}{} })

	_, err := stdoutW.Write([]byte("this is not json\n\n{\"half\":\n"))
	require.NoError(t, err)

	encoded, err := Encode(NewEvent("after", json.RawMessage(`{}`)))
	require.NoError(t, err)
	_, err = stdoutW.Write(encoded)
	require.NoError(t, err)

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("listener died on malformed input")
	}
}

func TestEventHandlersRunInRegistrationOrder(t *testing.T) {
	b := newTestBridge(t)

	stdoutR, stdoutW := io.Pipe()
	b.StartStdoutListener(stdoutR, nil)
	defer stdoutW.Close()

	var order []int
	done := make(chan struct{}, 1)
	for i := 0; i < 3; i++ {
		i := i
		b.On("multi", func(json.RawMessage) {
			// handlers for one message run sequentially on the listener
			// goroutine, so appending here is safe
			order = append(order, i)
			if i == 2 {
				done <- struct{}{}
			}
		})
	}

	encoded, err := Encode(NewEvent("multi", json.RawMessage(`{}`)))
	require.NoError(t, err)
	_, err = stdoutW.Write(encoded)
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, []int{0, 1, 2}, order)
	case <-time.After(5 * time.Second):
		t.Fatal("handlers did not run")
	}
}

func TestOnMessageHookSeesEveryMessage(t *testing.T) {
	b := newTestBridge(t)

	stdoutR, stdoutW := io.Pipe()
	seen := make(chan Message, 2)
	b.StartStdoutListener(stdoutR, func(msg Message) { seen <- msg })
	defer stdoutW.Close()

	for _, event := range []string{"one", "two"} {
		encoded, err := Encode(NewEvent(event, json.RawMessage(`{}`)))
		require.NoError(t, err)
		_, err = stdoutW.Write(encoded)
		require.NoError(t, err)
	}

	for _, want := range []string{"one", "two"} {
		select {
		case msg := <-seen:
			assert.Equal(t, want, msg.Event)
		case <-time.After(5 * time.Second):
			t.Fatal("hook did not fire")
		}
	}
}

func TestEmitBuffersBeforeAttach(t *testing.T) {
	b := newTestBridge(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Emit(fmt.Sprintf("evt_%d", i), map[string]int{"i": i}))
	}
	assert.Equal(t, 4, b.QueueSize())

	var buf bytes.Buffer
	b.SetStdin(&buf)
	assert.Equal(t, 0, b.QueueSize())

	msgs := decodeLines(t, buf.Bytes())
	require.Len(t, msgs, 4)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("evt_%d", i), msg.Event)
	}
}

func TestRequestSendFailureStaysRegistered(t *testing.T) {
	b := newTestBridge(t)
	b.SetStdin(&failAfterWriter{n: 0})

	id, err := b.Request("get_data", nil, func(json.RawMessage, error) {})
	require.Error(t, err)
	var sendErr *SendError
	assert.ErrorAs(t, err, &sendErr)

	// still registered, so it can be cancelled (or will time out)
	assert.Equal(t, 1, b.PendingRequestCount())
	assert.True(t, b.CancelRequest(id))
}

func TestRequestTimeout(t *testing.T) {
	b := newTestBridge(t)
	b.StartTimeoutChecker()

	timeout := 100 * time.Millisecond
	start := time.Now()
	done := make(chan error, 1)
	_, err := b.RequestWithTimeout("get_data", nil, timeout, func(payload json.RawMessage, err error) {
		done <- err
	})
	require.NoError(t, err)

	select {
	case cbErr := <-done:
		elapsed := time.Since(start)
		var timeoutErr *TimeoutError
		require.ErrorAs(t, cbErr, &timeoutErr)
		assert.Equal(t, timeout, timeoutErr.Timeout)
		// no earlier than the timeout, detected within one sweep interval
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+2*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout callback never fired")
	}
	assert.Equal(t, 0, b.PendingRequestCount())
}

func TestCallbackFiresExactlyOnce(t *testing.T) {
	b := newTestBridge(t)
	b.StartTimeoutChecker()
	b.SetStdin(io.Discard)

	stdoutR, stdoutW := io.Pipe()
	b.StartStdoutListener(stdoutR, nil)
	defer stdoutW.Close()

	calls := make(chan error, 4)
	id, err := b.RequestWithTimeout("get_data", nil, 200*time.Millisecond, func(payload json.RawMessage, err error) {
		calls <- err
	})
	require.NoError(t, err)

	// the response wins the race; the sweeper must then treat the entry as gone
	respondTo(t, stdoutW, id, "get_data", `{}`)

	select {
	case cbErr := <-calls:
		require.NoError(t, cbErr)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}

	// replaying the response and letting the timeout elapse must not fire again
	respondTo(t, stdoutW, id, "get_data", `{}`)
	time.Sleep(2 * time.Second)

	select {
	case <-calls:
		t.Fatal("callback fired more than once")
	default:
	}
}

func TestCancelledRequestCallbackNeverFires(t *testing.T) {
	b := newTestBridge(t)
	b.SetStdin(io.Discard)

	stdoutR, stdoutW := io.Pipe()
	b.StartStdoutListener(stdoutR, nil)
	defer stdoutW.Close()

	fired := make(chan struct{}, 1)
	id, err := b.Request("get_data", nil, func(json.RawMessage, error) {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	assert.True(t, b.CancelRequest(id))
	assert.False(t, b.CancelRequest(id))
	assert.Equal(t, 0, b.PendingRequestCount())

	// a late response for the cancelled id is silently dropped
	respondTo(t, stdoutW, id, "get_data", `{}`)

	// give the listener a moment to process, then flush a sentinel through
	sentinel := make(chan struct{}, 1)
	b.On("sentinel", func(json.RawMessage) { sentinel <- struct{}{} })
	encoded, err := Encode(NewEvent("sentinel", json.RawMessage(`{}`)))
	require.NoError(t, err)
	_, err = stdoutW.Write(encoded)
	require.NoError(t, err)
	<-sentinel

	select {
	case <-fired:
		t.Fatal("cancelled request's callback fired")
	default:
	}
}

func TestRequestIDsAreUnique(t *testing.T) {
	b := newTestBridge(t)

	ids := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := b.Request("noop", nil, func(json.RawMessage, error) {})
		require.NoError(t, err)
		_, dup := ids[id]
		require.False(t, dup, "duplicate request id %s", id)
		ids[id] = struct{}{}
	}
}

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/procbridge/procbridge/bridge"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a control server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a control client for the server listening at addr
// (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("control_client"),
		baseURL:      fmt.Sprintf("http://%s", addr),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	return c
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("non-200 status code %d from %s: %s", resp.StatusCode, path, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("non-200 status code %d from %s: %s", resp.StatusCode, path, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health fetches the supervisor's liveness snapshot.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getJSON(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches the bridge's counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.getJSON(ctx, "/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Emit sends a fire-and-forget event to the child.
func (c *Client) Emit(ctx context.Context, event string, payload json.RawMessage) error {
	return c.postJSON(ctx, "/emit", EmitRequest{Event: event, Payload: payload}, nil)
}

// Request sends a request to the child and returns the response payload,
// or the child's (or sweeper's) error.
func (c *Client) Request(ctx context.Context, event string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	var resp RequestResponse
	err := c.postJSON(ctx, "/request", RequestRequest{
		Event:     event,
		Payload:   payload,
		TimeoutMS: timeout.Milliseconds(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("request failed: %s", resp.Error)
	}
	return resp.Payload, nil
}

// Shutdown asks the supervisor to gracefully stop the child and returns
// the observed exit code.
func (c *Client) Shutdown(ctx context.Context) (int, error) {
	var resp ShutdownResponse
	if err := c.postJSON(ctx, "/shutdown", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.ExitCode, nil
}

// Events subscribes to the server's inbound-message stream. Messages
// arrive on the returned channel until ctx is cancelled or the connection
// drops, after which the channel is closed.
func (c *Client) Events(ctx context.Context) (<-chan bridge.Message, error) {
	u := c.baseURL + "/events"
	c.Logger.Debugw("dialing WebSocket for events", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}

	ch := make(chan bridge.Message)
	go func() {
		defer close(ch)
		defer wsConn.Close(websocket.StatusNormalClosure, "")
		for {
			var msg bridge.Message
			if err := wsjson.Read(ctx, wsConn, &msg); err != nil {
				c.Logger.Debugf("event stream reader got error: %s", err)
				return
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// WaitForServer polls the health endpoint until the server answers.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

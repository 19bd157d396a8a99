package control

import "encoding/json"

// EmitRequest is the body of POST /emit.
type EmitRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RequestRequest is the body of POST /request. TimeoutMS of zero means the
// bridge's default timeout.
type RequestRequest struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	TimeoutMS int64           `json:"timeout_ms"`
}

// RequestResponse is the reply to POST /request: the child's response
// payload, or the error it (or the timeout sweeper) produced.
type RequestResponse struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HealthResponse is the reply to GET /healthz.
type HealthResponse struct {
	Running         bool   `json:"running"`
	PID             int    `json:"pid,omitempty"`
	Generation      string `json:"generation,omitempty"`
	RestartAttempts int    `json:"restart_attempts"`
}

// StatsResponse is the reply to GET /stats.
type StatsResponse struct {
	PendingRequests int `json:"pending_requests"`
	QueuedMessages  int `json:"queued_messages"`
}

// ShutdownResponse is the reply to POST /shutdown.
type ShutdownResponse struct {
	ExitCode int `json:"exit_code"`
}

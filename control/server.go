package control

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/procbridge/procbridge/bridge"
	"github.com/procbridge/procbridge/supervisor"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// subscriber channels that fall behind drop messages rather than stalling
// the listener goroutine.
const subscriberBuffer = 64

// Server exposes the bridge and supervisor to a presentation layer over
// HTTP, plus a WebSocket stream of every inbound child message.
type Server struct {
	log        *zap.SugaredLogger
	bridge     *bridge.Bridge
	manager    *supervisor.Manager
	listenAddr string

	httpServer *http.Server

	subMu   sync.Mutex
	subs    map[uint64]chan bridge.Message
	nextSub uint64
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("control").Sugar()
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// NewServer constructs a control server for the given bridge and
// supervisor.
func NewServer(b *bridge.Bridge, m *supervisor.Manager, opts ...Option) *Server {
	logger, _ := zap.NewProduction()
	s := &Server{
		log:        logger.Named("control").Sugar(),
		bridge:     b,
		manager:    m,
		listenAddr: "127.0.0.1:8377",
		subs:       make(map[uint64]chan bridge.Message),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ForwardMessage fans one inbound child message out to every connected
// event-stream subscriber. Wire it as the bridge's on-message hook.
func (s *Server) ForwardMessage(msg bridge.Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- msg:
		default:
			s.log.Warnf("event subscriber %d is backed up, dropping %q", id, msg.Event)
		}
	}
}

func (s *Server) subscribe() (uint64, chan bridge.Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	ch := make(chan bridge.Message, subscriberBuffer)
	s.subs[id] = ch
	return id, ch
}

func (s *Server) unsubscribe(id uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, id)
}

// Run serves the control API and returns once the server has stopped.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/stats", s.stats)
	router.POST("/emit", s.emit)
	router.POST("/request", s.request)
	router.GET("/events", s.events)
	router.POST("/shutdown", s.shutdown)

	server := http.Server{Handler: router}
	s.httpServer = &server

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := HealthResponse{
		Running:         s.manager.IsRunning(),
		Generation:      s.manager.Generation(),
		RestartAttempts: s.manager.RestartAttempts(),
	}
	if pid, ok := s.manager.PID(); ok {
		resp.PID = pid
	}
	s.writeJSON(w, resp)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, StatsResponse{
		PendingRequests: s.bridge.PendingRequestCount(),
		QueuedMessages:  s.bridge.QueueSize(),
	})
}

func (s *Server) emit(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		http.Error(w, "request contained no event name", http.StatusBadRequest)
		return
	}

	if err := s.bridge.Emit(req.Event, req.Payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// request bridges the synchronous HTTP caller onto the bridge's
// asynchronous callback: it waits until the child responds, the request
// times out, or the HTTP client goes away.
func (s *Server) request(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req RequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		http.Error(w, "request contained no event name", http.StatusBadRequest)
		return
	}

	timeout := bridge.DefaultRequestTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	done := make(chan RequestResponse, 1)
	id, err := s.bridge.RequestWithTimeout(req.Event, req.Payload, timeout, func(payload json.RawMessage, err error) {
		resp := RequestResponse{Payload: payload}
		if err != nil {
			resp = RequestResponse{Error: err.Error()}
		}
		done <- resp
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	select {
	case resp := <-done:
		s.writeJSON(w, resp)
	case <-r.Context().Done():
		// the HTTP caller is gone, nobody is left to consume the reply
		s.bridge.CancelRequest(id)
	}
}

// events streams every inbound child message to the client over a
// WebSocket, in arrival order.
func (s *Server) events(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	id, ch := s.subscribe()
	defer s.unsubscribe(id)
	s.log.Debugf("event subscriber %d connected", id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-ch:
			if err := wsjson.Write(ctx, wsConn, msg); err != nil {
				s.log.Debugf("event subscriber %d write error: %s", id, err)
				return
			}
		}
	}
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	code, err := s.manager.ShutdownGracefully()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, ShutdownResponse{ExitCode: code})
}

package bridge

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultRequestTimeout applies to requests made without an explicit
// timeout.
const DefaultRequestTimeout = 30 * time.Second

// sweepInterval is how often the timeout sweeper scans for overdue
// requests.
const sweepInterval = 1 * time.Second

// maxLineSize bounds a single inbound line from the child.
const maxLineSize = 1 << 20

// Bridge connects the supervising process to a child worker over
// newline-delimited JSON on the child's stdin/stdout. It correlates
// request/response pairs, fans out events to registered handlers, buffers
// outbound messages until stdin is attached, and expires overdue requests.
type Bridge struct {
	log *zap.SugaredLogger

	out      *outbox
	pending  *pendingTable
	handlers *handlerRegistry

	defaultTimeout time.Duration
	reqCounter     atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.defaultTimeout = d
	}
}

// New constructs a Bridge. The outbound channel starts unattached; call
// SetStdin once the child is running.
func New(opts ...Option) *Bridge {
	logger, _ := zap.NewProduction()
	b := &Bridge{
		log:            logger.Named("bridge").Sugar(),
		pending:        newPendingTable(),
		handlers:       newHandlerRegistry(),
		defaultTimeout: DefaultRequestTimeout,
		closed:         make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.out = newOutbox(b.log.Named("outbox"))
	return b
}

// SetStdin attaches the child's stdin and flushes any queued messages to it
// in order.
func (b *Bridge) SetStdin(w io.Writer) {
	b.log.Debug("attaching child stdin")
	b.out.attach(w)
}

// DetachStdin detaches the child's stdin; subsequent sends are queued until
// the next SetStdin.
func (b *Bridge) DetachStdin() {
	b.log.Debug("detaching child stdin")
	b.out.detach()
}

// Emit sends a fire-and-forget event to the child. It returns once the
// message has been written or queued, not once it has been processed.
func (b *Bridge) Emit(event string, payload any) error {
	p, err := MarshalPayload(payload)
	if err != nil {
		return err
	}
	return b.out.send(NewEvent(event, p))
}

// Request sends a request to the child with the default timeout. See
// RequestWithTimeout.
func (b *Bridge) Request(event string, payload any, cb Callback) (string, error) {
	return b.RequestWithTimeout(event, payload, b.defaultTimeout, cb)
}

// RequestWithTimeout sends a request and registers cb to be invoked exactly
// once, asynchronously, with the response payload, a remote error, or a
// timeout error. The returned ID can be passed to CancelRequest.
//
// A send failure is returned to the caller, but the request stays
// registered: no response can arrive for it, so it resolves through the
// timeout sweeper.
func (b *Bridge) RequestWithTimeout(event string, payload any, timeout time.Duration, cb Callback) (string, error) {
	p, err := MarshalPayload(payload)
	if err != nil {
		return "", err
	}

	id := b.nextRequestID()
	b.pending.add(&pendingRequest{
		id:        id,
		event:     event,
		callback:  cb,
		createdAt: time.Now(),
		timeout:   timeout,
	})

	if err := b.out.send(NewRequest(id, event, p)); err != nil {
		return id, err
	}
	return id, nil
}

// CancelRequest removes a pending request, reporting whether it existed. A
// cancelled request's callback is never invoked.
func (b *Bridge) CancelRequest(id string) bool {
	_, ok := b.pending.take(id)
	return ok
}

// On registers a handler for an inbound event name. Handlers for the same
// name run in registration order.
func (b *Bridge) On(event string, h Handler) {
	b.handlers.on(event, h)
	b.log.Debugf("registered handler for event %q", event)
}

// PendingRequestCount reports the number of in-flight requests.
func (b *Bridge) PendingRequestCount() int {
	return b.pending.len()
}

// QueueSize reports the number of messages waiting for stdin to attach.
func (b *Bridge) QueueSize() int {
	return b.out.size()
}

// StartStdoutListener starts a goroutine that reads the child's stdout one
// line at a time until the stream closes or a read error occurs. Each
// decoded message resolves a pending request, fans out to event handlers,
// and is finally passed to onMessage (which may be nil).
//
// Listener termination does not trigger a restart; crash handling is the
// supervisor's job.
func (b *Bridge) StartStdoutListener(r io.Reader, onMessage func(Message)) {
	log := b.log.Named("listener")
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			msg, err := Decode(line)
			if err != nil {
				log.Warnf("skipping malformed line from child: %s", err)
				continue
			}

			b.dispatch(log, msg)
			if onMessage != nil {
				onMessage(msg)
			}
		}
		if err := scanner.Err(); err != nil {
			log.Errorf("reading child stdout: %s", err)
		}
		log.Info("stdout listener stopped")
	}()
}

// dispatch routes one inbound message: responses resolve their pending
// request (unknown IDs are silently dropped), then event handlers for the
// name run regardless of message type.
func (b *Bridge) dispatch(log *zap.SugaredLogger, msg Message) {
	if msg.Type == TypeResponse && msg.ID != nil {
		if p, ok := b.pending.take(*msg.ID); ok {
			if msg.Error != nil {
				p.callback(nil, &RemoteError{Message: *msg.Error})
			} else {
				p.callback(msg.Payload, nil)
			}
		} else {
			log.Debugf("dropping response with unknown id %q", *msg.ID)
		}
	}

	b.handlers.dispatch(msg.Event, msg.Payload)
}

// StartTimeoutChecker starts the sweeper goroutine that expires overdue
// requests once per second. It runs until Close.
func (b *Bridge) StartTimeoutChecker() {
	log := b.log.Named("sweeper")
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.closed:
				return
			case now := <-ticker.C:
				for _, p := range b.pending.takeExpired(now) {
					log.Warnf("request %s (%s) timed out after %s", p.id, p.event, p.timeout)
					p.callback(nil, &TimeoutError{ID: p.id, Timeout: p.timeout})
				}
			}
		}
	}()
}

// Close stops the timeout sweeper. It does not touch the child's streams.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// nextRequestID returns a process-unique request ID derived from the clock
// plus a counter, so two requests in the same nanosecond cannot collide.
func (b *Bridge) nextRequestID() string {
	return fmt.Sprintf("req_%d_%d", time.Now().UnixNano(), b.reqCounter.Add(1))
}

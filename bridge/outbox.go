package bridge

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// outbox is the outbound half of the bridge: the child's stdin, which may
// not be attached yet. While unattached, messages accumulate in a FIFO
// queue; attaching drains the queue in order before new sends go through
// directly.
type outbox struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	w     io.Writer
	queue []Message
}

func newOutbox(log *zap.SugaredLogger) *outbox {
	return &outbox{log: log}
}

// send writes the message to the attached writer, or queues it if no writer
// is attached. Queueing is not an error. A write failure on an attached
// writer surfaces as a SendError.
func (o *outbox) send(msg Message) error {
	encoded, err := Encode(msg)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.w == nil {
		o.queue = append(o.queue, msg)
		o.log.Debugf("stdin not attached, queued %q, queue size %d", msg.Event, len(o.queue))
		return nil
	}

	if _, err := o.w.Write(encoded); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// attach installs the writer and drains the queue in FIFO order. If a write
// fails mid-drain the failing message goes back to the head of the queue
// and draining stops; already-sent messages are not re-sent.
func (o *outbox) attach(w io.Writer) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.w = w
	for len(o.queue) > 0 {
		msg := o.queue[0]
		o.queue = o.queue[1:]

		encoded, err := Encode(msg)
		if err != nil {
			o.log.Warnf("dropping unencodable queued message %q: %s", msg.Event, err)
			continue
		}
		if _, err := o.w.Write(encoded); err != nil {
			o.log.Warnf("flushing queued message %q failed: %s", msg.Event, err)
			o.queue = append([]Message{msg}, o.queue...)
			return
		}
	}
}

// detach removes the writer; subsequent sends queue again.
func (o *outbox) detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.w = nil
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

package capture

import (
	"context"
	"sync"

	"github.com/ent0n29/medtranslate/internal/transcript"
)

type ControlAction string

const (
	ControlStart ControlAction = "start"
	ControlStop  ControlAction = "stop"
	ControlAbort ControlAction = "abort"
)

// Control is a command for the remote recognizer.
type Control struct {
	Action  ControlAction
	Options Options
}

// ControlFunc delivers a control command to the remote host.
type ControlFunc func(Control)

// Relay is a Recognizer whose engine runs on the remote client. Start and
// stop commands go out through the ControlFunc; results come back through
// Push and Fail.
type Relay struct {
	send ControlFunc

	mu     sync.Mutex
	active *relayStream
}

func NewRelay(send ControlFunc) *Relay {
	return &Relay{send: send}
}

func (r *Relay) Start(ctx context.Context, opts Options) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.active != nil && !r.active.isDone() {
		r.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	s := &relayStream{
		relay:  r,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	r.active = s
	r.mu.Unlock()

	r.deliver(Control{Action: ControlStart, Options: opts})
	return s, nil
}

// Push forwards a result batch to the active stream. It reports false when no
// stream is listening.
func (r *Relay) Push(batch []transcript.Segment) bool {
	s := r.current()
	if s == nil {
		return false
	}
	return s.emit(Event{Batch: batch})
}

// Fail ends the active stream with a recognition error.
func (r *Relay) Fail(code string) bool {
	s := r.current()
	if s == nil {
		return false
	}
	ok := s.emit(Event{Err: &RecognitionError{Code: code}})
	s.finish()
	return ok
}

func (r *Relay) current() *relayStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.isDone() {
		return nil
	}
	return r.active
}

func (r *Relay) deliver(c Control) {
	if r.send != nil {
		r.send(c)
	}
}

type relayStream struct {
	relay *Relay

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	events chan Event
}

func (s *relayStream) Events() <-chan Event { return s.events }

func (s *relayStream) Stop() error {
	if s.finish() {
		s.relay.deliver(Control{Action: ControlStop})
	}
	return nil
}

func (s *relayStream) Abort() error {
	if s.finish() {
		s.relay.deliver(Control{Action: ControlAbort})
	}
	return nil
}

func (s *relayStream) emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// finish closes the stream once. It reports whether this call closed it.
func (s *relayStream) finish() bool {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return first
}

func (s *relayStream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

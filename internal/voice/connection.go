package voice

import (
	"context"
	"sync"

	"github.com/ent0n29/medtranslate/internal/audit"
	"github.com/ent0n29/medtranslate/internal/capture"
	"github.com/ent0n29/medtranslate/internal/pipeline"
	"github.com/ent0n29/medtranslate/internal/protocol"
	"github.com/ent0n29/medtranslate/internal/speech"
)

// connection is the pipeline observer for one websocket. Callbacks from the
// coordinator only queue work; pump performs the blocking sends.
type connection struct {
	o         *Orchestrator
	sessionID string
	outbound  chan<- any
	coord     *pipeline.Coordinator

	outbox chan any
	dirty  chan struct{}

	mu     sync.Mutex
	latest pipeline.State
}

func newConnection(o *Orchestrator, sessionID string, outbound chan<- any) *connection {
	return &connection{
		o:         o,
		sessionID: sessionID,
		outbound:  outbound,
		outbox:    make(chan any, outboxSize),
		dirty:     make(chan struct{}, 1),
	}
}

// StateChanged keeps only the newest state; intermediate snapshots are coalesced.
func (c *connection) StateChanged(s pipeline.State) {
	c.mu.Lock()
	c.latest = s
	c.mu.Unlock()
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *connection) Notify(n pipeline.Notice) {
	switch n.Code {
	case pipeline.NoticeSessionExpired:
		c.o.recordAudit(c.sessionID, audit.KindTranscriptPurged, "inactivity")
		c.enqueue(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: c.sessionID,
			Code:      string(n.Code),
			Detail:    n.Detail,
		})
	case pipeline.NoticeTranslationFailed:
		c.o.recordAudit(c.sessionID, audit.KindTranslationFailed, n.Detail)
		c.enqueue(c.errorEvent(n, "translation", true))
	case pipeline.NoticeRecognitionError:
		c.o.recordAudit(c.sessionID, audit.KindRecognitionError, n.Detail)
		c.enqueue(c.errorEvent(n, "capture", true))
	case pipeline.NoticeCapabilityUnavailable:
		c.enqueue(c.errorEvent(n, "capture", false))
	default:
		c.enqueue(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: c.sessionID,
			Code:      string(n.Code),
			Detail:    n.Detail,
		})
	}
}

func (c *connection) errorEvent(n pipeline.Notice, source string, retryable bool) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		Code:      string(n.Code),
		Source:    source,
		Retryable: retryable,
		Detail:    n.Detail,
	}
}

// recognitionControl forwards capture start/stop commands to the client.
func (c *connection) recognitionControl(ctl capture.Control) {
	msg := protocol.RecognitionControl{
		Type:      protocol.TypeRecognitionControl,
		SessionID: c.sessionID,
		Action:    string(ctl.Action),
	}
	if ctl.Action == capture.ControlStart {
		msg.Language = ctl.Options.Language
		msg.Continuous = ctl.Options.Continuous
		msg.InterimResults = ctl.Options.InterimResults
	}
	c.enqueue(msg)
}

func (c *connection) speak(ctx context.Context, u speech.Utterance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.enqueue(protocol.SpeakRequest{
		Type:      protocol.TypeSpeakRequest,
		SessionID: c.sessionID,
		Text:      u.Text,
		Language:  u.Language,
	}) {
		return errOutboxFull
	}
	return nil
}

func (c *connection) enqueue(msg any) bool {
	select {
	case c.outbox <- msg:
		return true
	default:
		msgType, _ := outboundMessageMeta(msg)
		c.o.metrics.ObserveOutboundMessage(msgType, "dropped")
		c.o.metrics.ObserveSession("outbound_drop")
		return false
	}
}

func (c *connection) snapshot() protocol.StateSnapshot {
	c.mu.Lock()
	s := c.latest
	c.mu.Unlock()
	return protocol.StateSnapshot{
		Type:           protocol.TypeStateSnapshot,
		SessionID:      c.sessionID,
		InputText:      s.InputText,
		TranslatedText: s.TranslatedText,
		IsRecording:    s.IsRecording,
		Translating:    s.Translating,
		InputLanguage:  s.Languages.Input,
		OutputLanguage: s.Languages.Output,
		LastActivityAt: s.LastActivityAt,
	}
}

// pump drains queued events before the latest snapshot so a notice is seen
// ahead of the state it explains.
func (c *connection) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case msg := <-c.outbox:
			c.o.sendNow(c.outbound, msg)
		case <-c.dirty:
			c.drainOutbox()
			c.o.sendNow(c.outbound, c.snapshot())
		}
	}
}

func (c *connection) drainOutbox() {
	for {
		select {
		case msg := <-c.outbox:
			c.o.sendNow(c.outbound, msg)
		default:
			return
		}
	}
}

// flush delivers what is already queued without waiting on a stalled client.
func (c *connection) flush() {
	for {
		select {
		case msg := <-c.outbox:
			select {
			case c.outbound <- msg:
			default:
				return
			}
		default:
			return
		}
	}
}

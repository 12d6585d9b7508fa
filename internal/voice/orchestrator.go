// Package voice binds a websocket connection to a translation pipeline.
package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/medtranslate/internal/activity"
	"github.com/ent0n29/medtranslate/internal/audit"
	"github.com/ent0n29/medtranslate/internal/capture"
	"github.com/ent0n29/medtranslate/internal/language"
	"github.com/ent0n29/medtranslate/internal/observability"
	"github.com/ent0n29/medtranslate/internal/pipeline"
	"github.com/ent0n29/medtranslate/internal/protocol"
	"github.com/ent0n29/medtranslate/internal/session"
	"github.com/ent0n29/medtranslate/internal/speech"
	"github.com/ent0n29/medtranslate/internal/translation"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	auditSaveTimeout    = 2 * time.Second
	outboxSize          = 64
)

var errOutboxFull = errors.New("outbound queue full")

type Config struct {
	InactivityWindow time.Duration
	Debounce         time.Duration
}

type Orchestrator struct {
	sessions   *session.Manager
	translator translation.Translator
	audit      audit.Store
	metrics    *observability.Metrics
	logger     *log.Logger
	cfg        Config

	// afterFunc overrides the inactivity scheduler in tests.
	afterFunc activity.AfterFunc
}

func NewOrchestrator(
	sessions *session.Manager,
	translator translation.Translator,
	auditStore audit.Store,
	metrics *observability.Metrics,
	logger *log.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		sessions:   sessions,
		translator: translator,
		audit:      auditStore,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

// RunConnection drives one session's pipeline from inbound client messages
// until ctx is cancelled, inbound is closed or the session is ended.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := o.logger.With("session_id", s.ID)
	conn := newConnection(o, s.ID, outbound)

	var (
		relay      *capture.Relay
		recognizer capture.Recognizer = capture.Unavailable{}
		synth      speech.Synthesizer = speech.Unavailable{}
	)
	if s.Capabilities.SpeechCapture {
		relay = capture.NewRelay(conn.recognitionControl)
		recognizer = relay
	}
	if s.Capabilities.SpeechSynthesis {
		synth = speech.NewRelay(conn.speak)
	}

	opts := pipeline.Options{
		SessionID:        s.ID,
		Languages:        s.Languages,
		InactivityWindow: o.cfg.InactivityWindow,
		Debounce:         o.cfg.Debounce,
		Recognizer:       recognizer,
		Translator:       o.translator,
		Synthesizer:      synth,
		Observer:         conn,
		Logger:           o.logger,
		Metrics:          o.metrics,
		AfterFunc:        o.afterFunc,
	}
	coord, err := pipeline.New(opts)
	if err != nil {
		o.sendNow(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "pipeline_init_failed",
			Source:    "server",
			Detail:    err.Error(),
		})
		return err
	}
	conn.coord = coord

	if err := o.sessions.Attach(s.ID, coord.Snapshot, cancel); err != nil {
		o.sendNow(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "session_unavailable",
			Source:    "session",
			Detail:    err.Error(),
		})
		return err
	}
	defer o.sessions.Detach(s.ID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.pump(ctx)
	}()

	go func() {
		if err := coord.Run(ctx); err != nil {
			logger.Error("pipeline stopped", "err", err)
		}
	}()

	defer func() {
		cancel()
		<-coord.Done()
		wg.Wait()
		logger.Debug("connection closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-coord.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := o.sessions.Touch(s.ID); err != nil {
				return err
			}
			o.handleInbound(ctx, conn, relay, msg)
		}
	}
}

func (o *Orchestrator) handleInbound(ctx context.Context, conn *connection, relay *capture.Relay, msg any) {
	msgType, _ := protocol.TypeOf(msg)
	o.metrics.ObserveWSMessage("inbound", string(msgType))

	switch m := msg.(type) {
	case protocol.ClientControl:
		o.handleControl(ctx, conn, m)
	case protocol.ClientRecognitionResult:
		// Recognition output is not user activity.
		if relay == nil || !relay.Push(m.Results) {
			o.metrics.ObserveCapture("orphan_result")
		}
	case protocol.ClientRecognitionError:
		if relay == nil || !relay.Fail(normalizeRecognitionCode(m.Error)) {
			o.metrics.ObserveCapture("orphan_error")
		}
	default:
		conn.enqueue(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: conn.sessionID,
			Code:      "unsupported_message",
			Source:    "client",
			Detail:    "message type is not accepted on this connection",
		})
	}
}

func (o *Orchestrator) handleControl(ctx context.Context, conn *connection, m protocol.ClientControl) {
	coord := conn.coord
	var err error
	switch m.Action {
	case protocol.ActionStartRecording:
		err = coord.StartRecording(ctx)
	case protocol.ActionStopRecording:
		err = coord.StopRecording(ctx)
	case protocol.ActionSetInputLanguage:
		err = coord.SetInputLanguage(ctx, m.Language)
	case protocol.ActionSetOutputLanguage:
		err = coord.SetOutputLanguage(ctx, m.Language)
	case protocol.ActionEditInputText:
		text := ""
		if m.Text != nil {
			text = *m.Text
		}
		err = coord.EditInputText(ctx, text)
	case protocol.ActionSpeakTranslation:
		_, err = coord.RequestSpeakTranslation(ctx)
	case protocol.ActionClear:
		if err = coord.Clear(ctx); err == nil {
			o.recordAudit(conn.sessionID, audit.KindTranscriptPurged, "clear")
		}
	case protocol.ActionActivity:
		coord.RecordActivity()
	}

	switch {
	case err == nil:
		if m.Action == protocol.ActionSetInputLanguage || m.Action == protocol.ActionSetOutputLanguage {
			_ = o.sessions.UpdateLanguages(conn.sessionID, coord.Snapshot().Languages)
		}
	case errors.Is(err, capture.ErrCapabilityUnavailable):
		// Already surfaced through the pipeline notice.
	case errors.Is(err, language.ErrUnsupported):
		conn.enqueue(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: conn.sessionID,
			Code:      "unsupported_language",
			Source:    "client_control",
			Detail:    err.Error(),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, pipeline.ErrNotRunning):
	default:
		o.logger.Warn("client control failed", "session_id", conn.sessionID, "action", m.Action, "err", err)
	}
}

func (o *Orchestrator) recordAudit(sessionID string, kind audit.Kind, detail string) {
	if o.audit == nil {
		return
	}
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), auditSaveTimeout)
		defer cancel()
		err := o.audit.Record(saveCtx, audit.Event{SessionID: sessionID, Kind: kind, Detail: detail})
		if err != nil {
			o.metrics.ObserveSession("audit_save_failed")
		}
	}()
}

// sendNow delivers msg on outbound, waiting briefly for critical messages.
func (o *Orchestrator) sendNow(outbound chan<- any, msg any) bool {
	msgType, critical := outboundMessageMeta(msg)
	record := func(result string) {
		o.metrics.ObserveOutboundMessage(msgType, result)
	}

	if !critical {
		select {
		case outbound <- msg:
			record("delivered")
			return true
		default:
			record("dropped")
			o.metrics.ObserveSession("outbound_drop")
			return false
		}
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		record("delivered")
		return true
	case <-timer.C:
		record("timeout")
		o.metrics.ObserveSession("outbound_timeout_critical")
		return false
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.StateSnapshot:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.RecognitionControl:
		return string(m.Type), true
	case protocol.SpeakRequest:
		return string(m.Type), true
	default:
		return "unknown", false
	}
}

func normalizeRecognitionCode(raw string) string {
	code := strings.ToLower(strings.TrimSpace(raw))
	if code == "" {
		return "unknown"
	}
	return code
}

// Package pipeline coordinates speech capture, transcript accumulation,
// translation and spoken output for a single session.
//
// The Coordinator owns the session State and is its only writer: every
// mutation runs on the goroutine executing Run. Capture batches, translation
// results, inactivity expiry and UI commands all arrive there as messages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/medtranslate/internal/activity"
	"github.com/ent0n29/medtranslate/internal/capture"
	"github.com/ent0n29/medtranslate/internal/language"
	"github.com/ent0n29/medtranslate/internal/observability"
	"github.com/ent0n29/medtranslate/internal/policy"
	"github.com/ent0n29/medtranslate/internal/speech"
	"github.com/ent0n29/medtranslate/internal/transcript"
	"github.com/ent0n29/medtranslate/internal/translation"
)

var (
	ErrNotRunning     = errors.New("pipeline: coordinator is not running")
	ErrAlreadyRunning = errors.New("pipeline: coordinator already started")
	ErrNoTranslator   = errors.New("pipeline: translator is required")
)

type Options struct {
	SessionID        string
	Languages        language.Config
	InactivityWindow time.Duration
	// Debounce delays translation dispatch after an input change. Zero sends
	// one request per change.
	Debounce time.Duration

	Recognizer  capture.Recognizer
	Translator  translation.Translator
	Synthesizer speech.Synthesizer
	Observer    Observer
	Logger      *log.Logger
	Metrics     *observability.Metrics
	AfterFunc   activity.AfterFunc
}

type Coordinator struct {
	recognizer capture.Recognizer
	translator translation.Translator
	sink       *speech.Sink
	monitor    *activity.Monitor
	observer   Observer
	logger     *log.Logger
	metrics    *observability.Metrics
	debounce   time.Duration

	cmds      chan command
	results   chan translationResult
	expired   chan struct{}
	debounced chan uint64
	done      chan struct{}
	started   atomic.Bool

	mu    sync.RWMutex
	state State

	// Owned by the Run goroutine.
	runCtx        context.Context
	stream        capture.Stream
	gen           uint64
	inflight      context.CancelFunc
	debounceTimer *time.Timer
	lastFinalAt   time.Time
}

type command struct {
	fn    func() error
	reply chan error
}

type translationResult struct {
	gen     uint64
	resp    translation.Response
	err     error
	elapsed time.Duration
}

func New(opts Options) (*Coordinator, error) {
	langs := opts.Languages.WithDefaults()
	if err := langs.Validate(); err != nil {
		return nil, err
	}
	if opts.Translator == nil {
		return nil, ErrNoTranslator
	}
	if opts.Recognizer == nil {
		opts.Recognizer = capture.Unavailable{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.SessionID != "" {
		logger = logger.With("session_id", opts.SessionID)
	}

	c := &Coordinator{
		recognizer: opts.Recognizer,
		translator: opts.Translator,
		sink:       speech.NewSink(opts.Synthesizer, logger),
		observer:   opts.Observer,
		logger:     logger,
		metrics:    opts.Metrics,
		debounce:   opts.Debounce,
		cmds:       make(chan command),
		results:    make(chan translationResult),
		expired:    make(chan struct{}, 1),
		debounced:  make(chan uint64),
		done:       make(chan struct{}),
		state:      State{Languages: langs},
	}
	c.monitor = activity.NewMonitorWithScheduler(opts.InactivityWindow, c.onInactive, opts.AfterFunc)
	return c, nil
}

// Run processes events until ctx is cancelled. On every exit path the
// capture stream is aborted, in-flight translations are cancelled and the
// inactivity timer is stopped.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	defer func() {
		cancel()
		c.teardown()
	}()

	// Pipeline initialization counts as activity.
	c.monitor.Touch()
	c.publish()

	for {
		var events <-chan capture.Event
		if c.stream != nil {
			events = c.stream.Events()
		}

		select {
		case <-runCtx.Done():
			return nil
		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn()
		case ev, ok := <-events:
			c.handleCapture(ev, ok)
		case res := <-c.results:
			c.applyTranslation(res)
		case gen := <-c.debounced:
			if gen == c.gen && c.state.InputText != "" {
				c.dispatch(gen, c.state.InputText)
			}
		case <-c.expired:
			c.expire()
		}
	}
}

// Done is closed once Run has returned and resources are released.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	c.mu.RLock()
	s := c.state
	c.mu.RUnlock()
	s.LastActivityAt = c.monitor.LastActivity()
	return s
}

// RecordActivity registers a user interaction (pointer, key) and restarts
// the inactivity countdown.
func (c *Coordinator) RecordActivity() {
	c.monitor.Touch()
}

func (c *Coordinator) SetInputLanguage(ctx context.Context, code string) error {
	return c.do(ctx, func() error {
		c.monitor.Touch()
		l, ok := language.Lookup(code)
		if !ok {
			return fmt.Errorf("input language %q: %w", code, language.ErrUnsupported)
		}
		// A live stream keeps its language; the next StartRecording picks it up.
		c.update(func(s *State) { s.Languages.Input = l.Code })
		c.publish()
		return nil
	})
}

func (c *Coordinator) SetOutputLanguage(ctx context.Context, code string) error {
	return c.do(ctx, func() error {
		c.monitor.Touch()
		l, ok := language.Lookup(code)
		if !ok {
			return fmt.Errorf("output language %q: %w", code, language.ErrUnsupported)
		}
		c.update(func(s *State) { s.Languages.Output = l.Code })
		c.publish()
		return nil
	})
}

// StartRecording opens a capture stream in the current input language.
// It returns capture.ErrCapabilityUnavailable when the host cannot capture.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	return c.do(ctx, c.startRecording)
}

func (c *Coordinator) StopRecording(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.monitor.Touch()
		c.closeStream(false)
		c.publish()
		return nil
	})
}

// EditInputText replaces the transcript wholesale, as a manual correction.
func (c *Coordinator) EditInputText(ctx context.Context, text string) error {
	return c.do(ctx, func() error {
		c.monitor.Touch()
		if text == c.state.InputText {
			return nil
		}
		c.update(func(s *State) { s.InputText = text })
		c.inputChanged()
		c.publish()
		return nil
	})
}

// RequestSpeakTranslation speaks the current translation in the output
// language. It reports whether a synthesis call was dispatched.
func (c *Coordinator) RequestSpeakTranslation(ctx context.Context) (bool, error) {
	var dispatched bool
	err := c.do(ctx, func() error {
		c.monitor.Touch()
		dispatched = c.sink.Speak(c.state.TranslatedText, c.state.Languages.Output)
		if dispatched {
			c.metrics.ObserveSpeak("dispatched")
		} else {
			c.metrics.ObserveSpeak("noop")
		}
		return nil
	})
	return dispatched, err
}

// Clear empties the transcript and translation.
func (c *Coordinator) Clear(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.monitor.Touch()
		c.purge()
		return nil
	})
}

func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-cmd.reply
}

func (c *Coordinator) startRecording() error {
	c.monitor.Touch()
	if c.stream != nil {
		return nil
	}

	stream, err := c.recognizer.Start(c.runCtx, capture.Options{
		Language:       c.state.Languages.Input,
		Continuous:     true,
		InterimResults: true,
	})
	if err != nil {
		if errors.Is(err, capture.ErrCapabilityUnavailable) {
			c.logger.Warn("speech capture unavailable")
			c.metrics.ObserveCapture("unavailable")
			c.observer.Notify(Notice{
				Code:   NoticeCapabilityUnavailable,
				Detail: "speech recognition is not supported by this client",
			})
			return err
		}
		c.logger.Warn("speech capture failed to start", "err", err)
		c.metrics.ObserveCapture("error")
		c.observer.Notify(Notice{Code: NoticeRecognitionError, Detail: err.Error()})
		return fmt.Errorf("start recording: %w", err)
	}

	c.stream = stream
	c.update(func(s *State) { s.IsRecording = true })
	c.metrics.ObserveCapture("started")
	c.publish()
	return nil
}

func (c *Coordinator) handleCapture(ev capture.Event, ok bool) {
	if !ok {
		// The recognizer ended on its own.
		c.stream = nil
		c.update(func(s *State) { s.IsRecording = false })
		c.metrics.ObserveCapture("ended")
		c.publish()
		return
	}

	if ev.Err != nil {
		c.logger.Warn("speech recognition error", "code", ev.Err.Code)
		c.metrics.ObserveCapture("error")
		c.closeStream(true)
		c.observer.Notify(Notice{Code: NoticeRecognitionError, Detail: ev.Err.Code})
		c.publish()
		return
	}

	c.metrics.ObserveCapture("batch")
	finals := transcript.JoinFinals(ev.Batch)
	if finals == "" {
		return
	}
	c.metrics.ObserveCapture("final")
	c.lastFinalAt = time.Now()
	c.update(func(s *State) { s.InputText = transcript.Append(s.InputText, finals) })
	c.inputChanged()
	c.publish()
}

func (c *Coordinator) closeStream(abort bool) {
	if c.stream != nil {
		if abort {
			_ = c.stream.Abort()
		} else {
			_ = c.stream.Stop()
		}
		c.stream = nil
	}
	c.update(func(s *State) { s.IsRecording = false })
}

// inputChanged invalidates any pending translation and, for non-empty text,
// enqueues a new one. Empty text leaves the translation untouched.
func (c *Coordinator) inputChanged() {
	c.gen++
	c.cancelPending()

	text := c.state.InputText
	if text == "" {
		return
	}
	if c.debounce > 0 {
		gen := c.gen
		c.debounceTimer = time.AfterFunc(c.debounce, func() {
			select {
			case c.debounced <- gen:
			case <-c.done:
			}
		})
		c.update(func(s *State) { s.Translating = true })
		return
	}
	c.dispatch(c.gen, text)
}

func (c *Coordinator) dispatch(gen uint64, text string) {
	ctx, cancel := context.WithCancel(c.runCtx)
	c.inflight = cancel
	req := translation.Request{
		SourceText:     text,
		SourceLanguage: c.state.Languages.Input,
		TargetLanguage: c.state.Languages.Output,
	}
	c.update(func(s *State) { s.Translating = true })

	go func() {
		defer cancel()
		start := time.Now()
		resp, err := c.translator.Translate(ctx, req)
		res := translationResult{gen: gen, resp: resp, err: err, elapsed: time.Since(start)}
		select {
		case c.results <- res:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) applyTranslation(res translationResult) {
	if res.gen != c.gen {
		// Superseded by a later input change, clear or expiry.
		c.metrics.ObserveTranslation("stale", res.elapsed)
		return
	}
	c.inflight = nil

	if res.err != nil {
		detail, _ := policy.Redact(res.err.Error())
		c.logger.Error("translation failed", "err", detail, "elapsed", res.elapsed)
		c.metrics.ObserveTranslation("failed", res.elapsed)
		c.update(func(s *State) {
			s.TranslatedText = translation.FailureSentinel
			s.Translating = false
		})
		c.observer.Notify(Notice{Code: NoticeTranslationFailed, Detail: detail})
		c.publish()
		return
	}

	c.metrics.ObserveTranslation("ok", res.elapsed)
	if !c.lastFinalAt.IsZero() {
		c.metrics.ObserveStage(observability.StageFinalToTranslation, time.Since(c.lastFinalAt))
		c.lastFinalAt = time.Time{}
	}
	c.update(func(s *State) {
		s.TranslatedText = res.resp.TranslatedText
		s.Translating = false
	})
	c.publish()
}

func (c *Coordinator) onInactive() {
	select {
	case c.expired <- struct{}{}:
	default:
	}
}

func (c *Coordinator) expire() {
	c.logger.Info("session expired due to inactivity")
	c.observer.Notify(Notice{Code: NoticeSessionExpired, Detail: "Session expired due to inactivity"})
	c.metrics.ObserveSession("transcript_purged")
	c.purge()
}

// purge drops transcript and translation. Recording state and languages are kept.
func (c *Coordinator) purge() {
	c.gen++
	c.cancelPending()
	c.lastFinalAt = time.Time{}
	c.update(func(s *State) {
		s.InputText = ""
		s.TranslatedText = ""
	})
	c.publish()
}

func (c *Coordinator) cancelPending() {
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.update(func(s *State) { s.Translating = false })
}

func (c *Coordinator) teardown() {
	close(c.done)
	c.monitor.Stop()
	if c.stream != nil {
		_ = c.stream.Abort()
		c.stream = nil
	}
	c.cancelPending()
	c.update(func(s *State) { s.IsRecording = false })
}

func (c *Coordinator) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}

func (c *Coordinator) publish() {
	c.observer.StateChanged(c.Snapshot())
}

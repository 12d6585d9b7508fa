package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/medtranslate/internal/activity"
	"github.com/ent0n29/medtranslate/internal/capture"
	"github.com/ent0n29/medtranslate/internal/language"
	"github.com/ent0n29/medtranslate/internal/observability"
	"github.com/ent0n29/medtranslate/internal/speech"
	"github.com/ent0n29/medtranslate/internal/transcript"
	"github.com/ent0n29/medtranslate/internal/translation"
)

const waitTimeout = 2 * time.Second

// fakeTranslator hands every call to the test, which decides when and how it
// resolves. Cancellation is ignored so responses can arrive out of order.
type fakeTranslator struct {
	calls chan *pendingCall
}

type pendingCall struct {
	req     translation.Request
	respond chan translationOutcome
}

type translationOutcome struct {
	text string
	err  error
}

func newFakeTranslator() *fakeTranslator {
	return &fakeTranslator{calls: make(chan *pendingCall, 16)}
}

func (f *fakeTranslator) Translate(_ context.Context, req translation.Request) (translation.Response, error) {
	pc := &pendingCall{req: req, respond: make(chan translationOutcome, 1)}
	f.calls <- pc
	out := <-pc.respond
	if out.err != nil {
		return translation.Response{}, out.err
	}
	return translation.Response{TranslatedText: out.text}, nil
}

func (f *fakeTranslator) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case pc := <-f.calls:
		return pc
	case <-time.After(waitTimeout):
		t.Fatalf("no translation call issued")
		return nil
	}
}

func (f *fakeTranslator) expectNoCall(t *testing.T) {
	t.Helper()
	select {
	case pc := <-f.calls:
		t.Fatalf("unexpected translation call for %q", pc.req.SourceText)
	case <-time.After(50 * time.Millisecond):
	}
}

func (pc *pendingCall) reply(text string) { pc.respond <- translationOutcome{text: text} }
func (pc *pendingCall) fail(err error) { pc.respond <- translationOutcome{err: err} }

type recordingObserver struct {
	mu      sync.Mutex
	notices []Notice
}

func (o *recordingObserver) StateChanged(State) {}

func (o *recordingObserver) Notify(n Notice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, n)
}

func (o *recordingObserver) has(code NoticeCode) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range o.notices {
		if n.Code == code {
			return true
		}
	}
	return false
}

type controlLog struct {
	mu  sync.Mutex
	got []capture.Control
}

func (l *controlLog) send(c capture.Control) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, c)
}

func (l *controlLog) all() []capture.Control {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]capture.Control(nil), l.got...)
}

type synthRecorder struct {
	mu  sync.Mutex
	got []speech.Utterance
}

func (r *synthRecorder) Speak(_ context.Context, u speech.Utterance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, u)
	return nil
}

func (r *synthRecorder) calls() []speech.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]speech.Utterance(nil), r.got...)
}

// manualClock fires scheduled funcs only when the test advances it.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Duration
	f     func()
	done  bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) activity.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []func()
	for _, t := range c.timers {
		if !t.done && t.at <= c.now {
			t.done = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type harness struct {
	c        *Coordinator
	tr       *fakeTranslator
	relay    *capture.Relay
	controls *controlLog
	synth    *synthRecorder
	obs      *recordingObserver
	clock    *manualClock
	metrics  *observability.Metrics
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		tr:       newFakeTranslator(),
		controls: &controlLog{},
		synth:    &synthRecorder{},
		obs:      &recordingObserver{},
		clock:    &manualClock{},
		metrics:  observability.NewMetrics("test_pipeline"),
	}
	h.relay = capture.NewRelay(h.controls.send)
	opts := Options{
		SessionID:        "s1",
		Languages:        language.Config{Input: "en-US", Output: "es"},
		InactivityWindow: activity.DefaultWindow,
		Recognizer:       h.relay,
		Translator:       h.tr,
		Synthesizer:      h.synth,
		Observer:         h.obs,
		Logger:           log.New(io.Discard),
		Metrics:          h.metrics,
		AfterFunc:        h.clock.AfterFunc,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return h
}

func (h *harness) waitFor(t *testing.T, desc string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		s := h.c.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state = %+v", desc, s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitNotice(t *testing.T, code NoticeCode) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !h.obs.has(code) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for notice %q", code)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitStale(t *testing.T, want float64) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for testutil.ToFloat64(h.metrics.TranslationRequests.WithLabelValues("stale")) < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v stale translations", want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func final(text string) []transcript.Segment {
	return []transcript.Segment{{Text: text, IsFinal: true}}
}

func (h *harness) push(t *testing.T, batch []transcript.Segment) {
	t.Helper()
	if !h.relay.Push(batch) {
		t.Fatalf("Push() = false, capture stream not active")
	}
}

func TestFinalSegmentsAccumulateInArrivalOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	start := h.controls.all()[0]
	if start.Action != capture.ControlStart || start.Options.Language != "en-US" ||
		!start.Options.Continuous || !start.Options.InterimResults {
		t.Fatalf("start control = %+v", start)
	}

	h.push(t, final("patient has"))
	h.tr.next(t).reply("el paciente tiene")
	h.push(t, []transcript.Segment{{Text: "hyper", IsFinal: false}})
	h.push(t, []transcript.Segment{
		{Text: "hypertension", IsFinal: true},
		{Text: "and", IsFinal: false},
		{Text: "diabetes", IsFinal: true},
	})

	s := h.waitFor(t, "second final", func(s State) bool {
		return s.InputText == " patient has  hypertension diabetes "
	})
	if !s.IsRecording {
		t.Fatalf("IsRecording = false, want true")
	}
	h.tr.next(t).reply("el paciente tiene hipertensión diabetes")
	h.tr.expectNoCall(t)
}

func TestScenarioLatestRequestWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}

	h.push(t, final("patient has"))
	first := h.tr.next(t)
	h.push(t, final("hypertension"))
	second := h.tr.next(t)

	if first.req.SourceText != " patient has " {
		t.Fatalf("first request text = %q", first.req.SourceText)
	}
	if second.req.SourceText != " patient has  hypertension " {
		t.Fatalf("second request text = %q", second.req.SourceText)
	}
	if second.req.SourceLanguage != "en-US" || second.req.TargetLanguage != "es" {
		t.Fatalf("second request languages = %+v", second.req)
	}

	// Resolve out of order: the later request first.
	second.reply("el paciente tiene hipertensión")
	h.waitFor(t, "latest translation", func(s State) bool {
		return s.TranslatedText == "el paciente tiene hipertensión"
	})
	first.reply("el paciente tiene")
	h.waitStale(t, 1)

	if got := h.c.Snapshot().TranslatedText; got != "el paciente tiene hipertensión" {
		t.Fatalf("TranslatedText = %q, stale response applied", got)
	}
}

func TestStaleResponseArrivingFirstIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.c.EditInputText(ctx, "chest pain"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	first := h.tr.next(t)
	if err := h.c.EditInputText(ctx, "chest pain radiating to left arm"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	second := h.tr.next(t)

	first.reply("dolor torácico")
	h.waitStale(t, 1)
	if got := h.c.Snapshot().TranslatedText; got != "" {
		t.Fatalf("TranslatedText = %q after stale response, want empty", got)
	}
	second.reply("dolor torácico irradiado al brazo izquierdo")
	h.waitFor(t, "latest translation", func(s State) bool {
		return s.TranslatedText == "dolor torácico irradiado al brazo izquierdo" && !s.Translating
	})
}

func TestEmptyInputIssuesNoCallAndKeepsTranslation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.c.EditInputText(ctx, ""); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	h.tr.expectNoCall(t)

	if err := h.c.EditInputText(ctx, "fever"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	h.tr.next(t).reply("fiebre")
	h.waitFor(t, "translation", func(s State) bool { return s.TranslatedText == "fiebre" })

	if err := h.c.EditInputText(ctx, ""); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	h.tr.expectNoCall(t)
	s := h.c.Snapshot()
	if s.InputText != "" || s.TranslatedText != "fiebre" {
		t.Fatalf("state = %+v, want empty input and kept translation", s)
	}
}

func TestTranslationFailureSetsSentinel(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.EditInputText(context.Background(), "shortness of breath"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	h.tr.next(t).fail(errors.New("translation failed: status 502"))

	h.waitFor(t, "failure sentinel", func(s State) bool {
		return s.TranslatedText == translation.FailureSentinel && !s.Translating
	})
	h.waitNotice(t, NoticeTranslationFailed)

	// Fully recoverable on the next change.
	if err := h.c.EditInputText(context.Background(), "shortness of breath at rest"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	h.tr.next(t).reply("dificultad respiratoria en reposo")
	h.waitFor(t, "recovered translation", func(s State) bool {
		return s.TranslatedText == "dificultad respiratoria en reposo"
	})
}

func TestInactivityExpiryPurgesTextOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.c.SetInputLanguage(ctx, "fr"); err != nil {
		t.Fatalf("SetInputLanguage() error = %v", err)
	}
	if err := h.c.SetOutputLanguage(ctx, "de"); err != nil {
		t.Fatalf("SetOutputLanguage() error = %v", err)
	}
	if err := h.c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.push(t, final("douleur thoracique"))
	h.tr.next(t).reply("Brustschmerzen")
	h.waitFor(t, "translation", func(s State) bool { return s.TranslatedText == "Brustschmerzen" })

	h.clock.Advance(activity.DefaultWindow)

	s := h.waitFor(t, "purge", func(s State) bool { return s.InputText == "" && s.TranslatedText == "" })
	if !s.IsRecording {
		t.Fatalf("IsRecording = false after expiry, want unchanged")
	}
	if s.Languages != (language.Config{Input: "fr", Output: "de"}) {
		t.Fatalf("Languages = %+v after expiry, want unchanged", s.Languages)
	}
	h.waitNotice(t, NoticeSessionExpired)
}

func TestActivityRestartsCountdown(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.EditInputText(context.Background(), "allergic to penicillin"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	h.tr.next(t).reply("alérgico a la penicilina")
	h.waitFor(t, "translation", func(s State) bool { return s.TranslatedText != "" })

	h.clock.Advance(599 * time.Second)
	h.c.RecordActivity()
	h.clock.Advance(599 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if s := h.c.Snapshot(); s.InputText == "" {
		t.Fatalf("state purged before the restarted window elapsed")
	}

	h.clock.Advance(time.Second)
	h.waitFor(t, "purge", func(s State) bool { return s.InputText == "" && s.TranslatedText == "" })
}

func TestExpiryDiscardsInFlightTranslation(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.EditInputText(context.Background(), "history of stroke"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	pending := h.tr.next(t)

	h.clock.Advance(activity.DefaultWindow)
	h.waitNotice(t, NoticeSessionExpired)

	pending.reply("antecedentes de ictus")
	h.waitStale(t, 1)
	if s := h.c.Snapshot(); s.TranslatedText != "" || s.InputText != "" {
		t.Fatalf("state = %+v, purged text repopulated", s)
	}
}

func TestCapabilityUnavailable(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Recognizer = nil })
	err := h.c.StartRecording(context.Background())
	if !errors.Is(err, capture.ErrCapabilityUnavailable) {
		t.Fatalf("StartRecording() error = %v, want ErrCapabilityUnavailable", err)
	}
	if h.c.Snapshot().IsRecording {
		t.Fatalf("IsRecording = true without capture capability")
	}
	h.waitNotice(t, NoticeCapabilityUnavailable)

	// The rest of the pipeline keeps working.
	if err := h.c.EditInputText(context.Background(), "nausea"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	h.tr.next(t).reply("náuseas")
	h.waitFor(t, "translation", func(s State) bool { return s.TranslatedText == "náuseas" })
}

func TestRecognitionErrorStopsRecording(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.relay.Fail("network")

	h.waitFor(t, "recording stopped", func(s State) bool { return !s.IsRecording })
	h.waitNotice(t, NoticeRecognitionError)

	// Recoverable by starting again.
	if err := h.c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() after error = %v", err)
	}
	if !h.c.Snapshot().IsRecording {
		t.Fatalf("IsRecording = false after restart")
	}
}

func TestInputLanguageAppliesOnNextStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if err := h.c.SetInputLanguage(ctx, "zh-CN"); err != nil {
		t.Fatalf("SetInputLanguage() error = %v", err)
	}
	if n := len(h.controls.all()); n != 1 {
		t.Fatalf("controls = %d after language change, live stream must not be reconfigured", n)
	}
	if err := h.c.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if err := h.c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}

	got := h.controls.all()
	if len(got) != 3 || got[1].Action != capture.ControlStop || got[2].Options.Language != "zh-CN" {
		t.Fatalf("controls = %+v", got)
	}
}

func TestSetLanguageRejectsUnknownCode(t *testing.T) {
	h := newHarness(t, nil)
	err := h.c.SetOutputLanguage(context.Background(), "klingon")
	if !errors.Is(err, language.ErrUnsupported) {
		t.Fatalf("SetOutputLanguage() error = %v, want ErrUnsupported", err)
	}
	if got := h.c.Snapshot().Languages.Output; got != "es" {
		t.Fatalf("Output = %q, want unchanged", got)
	}
}

func TestSpeakTranslation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	dispatched, err := h.c.RequestSpeakTranslation(ctx)
	if err != nil {
		t.Fatalf("RequestSpeakTranslation() error = %v", err)
	}
	if dispatched {
		t.Fatalf("empty translation dispatched a synthesis call")
	}

	if err := h.c.EditInputText(ctx, "take with food"); err != nil {
		t.Fatalf("EditInputText() error = %v", err)
	}
	h.tr.next(t).reply("tomar con comida")
	h.waitFor(t, "translation", func(s State) bool { return s.TranslatedText == "tomar con comida" })

	dispatched, err = h.c.RequestSpeakTranslation(ctx)
	if err != nil || !dispatched {
		t.Fatalf("RequestSpeakTranslation() = %v, %v", dispatched, err)
	}
	h.c.sink.Wait()
	calls := h.synth.calls()
	if len(calls) != 1 || calls[0].Text != "tomar con comida" || calls[0].Language != "es" {
		t.Fatalf("synth calls = %+v", calls)
	}
}

func TestClearKeepsRecording(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.push(t, final("dizziness"))
	h.tr.next(t).reply("mareo")
	h.waitFor(t, "translation", func(s State) bool { return s.TranslatedText == "mareo" })

	if err := h.c.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	s := h.c.Snapshot()
	if s.InputText != "" || s.TranslatedText != "" || !s.IsRecording {
		t.Fatalf("state after Clear = %+v", s)
	}
}

func TestTeardownAbortsCaptureStream(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.cancel()
	select {
	case <-h.c.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("coordinator did not stop")
	}

	got := h.controls.all()
	if last := got[len(got)-1]; last.Action != capture.ControlAbort {
		t.Fatalf("last control = %+v, want abort", last)
	}
	if err := h.c.EditInputText(context.Background(), "x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("EditInputText() after teardown error = %v, want ErrNotRunning", err)
	}
	if err := h.c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestDebounceCoalescesRapidChanges(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debounce = 30 * time.Millisecond })
	ctx := context.Background()
	for _, text := range []string{"b", "bp", "bp 140/90"} {
		if err := h.c.EditInputText(ctx, text); err != nil {
			t.Fatalf("EditInputText() error = %v", err)
		}
	}
	pc := h.tr.next(t)
	if pc.req.SourceText != "bp 140/90" {
		t.Fatalf("debounced request text = %q", pc.req.SourceText)
	}
	pc.reply("PA 140/90")
	h.tr.expectNoCall(t)
	h.waitFor(t, "translation", func(s State) bool { return s.TranslatedText == "PA 140/90" })
}

func TestNewRequiresTranslator(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoTranslator) {
		t.Fatalf("New() error = %v, want ErrNoTranslator", err)
	}
	_, err := New(Options{Translator: translation.NewMock(0), Languages: language.Config{Input: "xx"}})
	if !errors.Is(err, language.ErrUnsupported) {
		t.Fatalf("New() error = %v, want ErrUnsupported", err)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/medtranslate/internal/protocol"
	"github.com/ent0n29/medtranslate/internal/session"
	"github.com/ent0n29/medtranslate/internal/transcript"
)

type options struct {
	baseURL        string
	inputLanguage  string
	outputLanguage string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type           string `json:"type"`
	Action         string `json:"action,omitempty"`
	Code           string `json:"code,omitempty"`
	Detail         string `json:"detail,omitempty"`
	InputText      string `json:"input_text,omitempty"`
	TranslatedText string `json:"translated_text,omitempty"`
	Translating    bool   `json:"translating,omitempty"`
}

type report struct {
	Turns []time.Duration
}

var defaultUtterances = []string{
	"the patient reports chest pain since this morning",
	"blood pressure is one forty over ninety",
	"no known drug allergies",
	"take one tablet twice a day with food",
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "perftranslate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		cfg      options
		textsRaw string
	)
	cmd := &cobra.Command{
		Use:           "perftranslate",
		Short:         "Replay recognized utterances against a running service and report translation latency",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.normalize(textsRaw); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
			defer cancel()
			rep, err := run(ctx, cfg, stdout)
			if err != nil {
				return err
			}
			rep.print(stdout)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	f.StringVar(&cfg.inputLanguage, "input-language", "en-US", "input language code")
	f.StringVar(&cfg.outputLanguage, "output-language", "es", "output language code")
	f.IntVar(&cfg.turns, "turns", 10, "number of utterances to replay")
	f.DurationVar(&cfg.startDelay, "start-delay", 300*time.Millisecond, "delay before the first utterance")
	f.DurationVar(&cfg.interTurnDelay, "inter-turn", 180*time.Millisecond, "delay between utterances")
	f.DurationVar(&cfg.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for each translation")
	f.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	f.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	return cmd
}

func (cfg *options) normalize(textsRaw string) error {
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if cfg.startDelay < 0 {
		cfg.startDelay = 0
	}
	if cfg.interTurnDelay < 0 {
		cfg.interTurnDelay = 0
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}

	cfg.texts = nil
	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
		return nil
	}
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	if len(cfg.texts) == 0 {
		return fmt.Errorf("texts produced no non-empty utterances")
	}
	return nil
}

func run(ctx context.Context, cfg options, stdout io.Writer) (report, error) {
	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return report{}, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Fprintf(stdout, "perftranslate: session=%s turns=%d %s->%s\n", sessionID, cfg.turns, cfg.inputLanguage, cfg.outputLanguage)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return report{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, stdout, cfg.verbose)

	if err := sendControl(conn, sessionID, protocol.ActionStartRecording); err != nil {
		return report{}, fmt.Errorf("start recording: %w", err)
	}
	if _, err := await(events, readErrCh, cfg.turnTimeout, func(e wsEnvelope) bool {
		return e.Type == string(protocol.TypeRecognitionControl) && e.Action == "start"
	}); err != nil {
		return report{}, fmt.Errorf("await recognition start: %w", err)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	var rep report
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Fprintf(stdout, "perftranslate: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}

		sentAt := time.Now()
		if err := sendFinal(conn, sessionID, text); err != nil {
			return report{}, fmt.Errorf("turn %d send result: %w", i+1, err)
		}
		_, err := await(events, readErrCh, cfg.turnTimeout, func(e wsEnvelope) bool {
			return e.Type == string(protocol.TypeStateSnapshot) &&
				strings.HasSuffix(strings.TrimRight(e.InputText, " "), text) &&
				!e.Translating &&
				e.TranslatedText != ""
		})
		if err != nil {
			return report{}, fmt.Errorf("turn %d await translation: %w", i+1, err)
		}
		rep.Turns = append(rep.Turns, time.Since(sentAt))

		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	_ = sendControl(conn, sessionID, protocol.ActionStopRecording)
	if cfg.verbose {
		fmt.Fprintln(stdout, "perftranslate: replay completed")
	}
	return rep, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(session.CreateRequest{
		InputLanguage:  cfg.inputLanguage,
		OutputLanguage: cfg.outputLanguage,
		Capabilities:   &session.Capabilities{SpeechCapture: true},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, stdout io.Writer, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) && verbose {
			fmt.Fprintf(stdout, "perftranslate: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		select {
		case events <- env:
		default:
		}
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
	})
}

func sendFinal(conn *websocket.Conn, sessionID, text string) error {
	return conn.WriteJSON(protocol.ClientRecognitionResult{
		Type:      protocol.TypeClientRecognitionResult,
		SessionID: sessionID,
		Results:   []transcript.Segment{{Text: text, IsFinal: true}},
	})
}

func await(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, match func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case e := <-events:
			if match(e) {
				return e, nil
			}
		case err := <-readErrCh:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func (r report) percentile(p float64) time.Duration {
	if len(r.Turns) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.Turns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

func (r report) print(w io.Writer) {
	fmt.Fprintf(w, "perftranslate: turns=%d p50=%s p95=%s max=%s\n",
		len(r.Turns),
		r.percentile(0.50).Round(time.Millisecond),
		r.percentile(0.95).Round(time.Millisecond),
		r.percentile(1).Round(time.Millisecond))
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/antoniostano/botconsole/internal/conversation"
	"github.com/antoniostano/botconsole/internal/protocol"
)

type replayOptions struct {
	baseURL        string
	botID          string
	turns          int
	texts          []string
	details        map[string]string
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type replaySummary struct {
	SessionID string
	Turns     int
	Latencies []time.Duration
	Persisted bool
}

type wsEnvelope struct {
	Type    protocol.MessageType  `json:"type"`
	Code    string                `json:"code,omitempty"`
	Detail  string                `json:"detail,omitempty"`
	Message *conversation.Message `json:"message,omitempty"`
}

var defaultUtterances = []string{
	"Hi, what are your opening hours?",
	"Can I change my delivery address?",
	"How do I reset my password?",
	"Thanks, that is all.",
}

func newReplayCmd() *cobra.Command {
	var (
		opts  replayOptions
		texts string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay scripted chat turns against a running console and report reply latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.normalize(texts); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
			defer cancel()
			summary, err := runReplay(ctx, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "console base URL")
	f.StringVar(&opts.botID, "bot-id", "", "bot to open the chat session against")
	f.IntVar(&opts.turns, "turns", 10, "number of messages to send")
	f.StringVar(&texts, "texts", "", "messages separated by '|' (optional)")
	f.StringToStringVar(&opts.details, "details", nil, "user details submitted when the bot asks for them (key=value,...)")
	f.DurationVar(&opts.startDelay, "start-delay", 300*time.Millisecond, "delay before the first turn")
	f.DurationVar(&opts.interTurnDelay, "inter-turn", 180*time.Millisecond, "delay between turns")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for each agent reply")
	f.BoolVar(&opts.verbose, "verbose", true, "print replay progress")
	_ = cmd.MarkFlagRequired("bot-id")
	return cmd
}

func (o *replayOptions) normalize(textsRaw string) error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	o.botID = strings.TrimSpace(o.botID)
	if o.botID == "" {
		return fmt.Errorf("bot-id is required")
	}
	if o.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if o.startDelay < 0 {
		o.startDelay = 0
	}
	if o.interTurnDelay < 0 {
		o.interTurnDelay = 0
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	o.texts = nil
	if strings.TrimSpace(textsRaw) == "" {
		o.texts = append(o.texts, defaultUtterances...)
		return nil
	}
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			o.texts = append(o.texts, t)
		}
	}
	if len(o.texts) == 0 {
		return fmt.Errorf("texts produced no non-empty messages")
	}
	return nil
}

// runReplay always disconnects the session it opened; Persisted reports
// whether the console saved it.
func runReplay(ctx context.Context, opts replayOptions, w io.Writer) (summary replaySummary, err error) {
	out := &lockedWriter{w: w}
	httpClient := &http.Client{Timeout: 45 * time.Second}

	created, err := postJSON(ctx, httpClient, opts.baseURL+"/v1/chat/sessions", map[string]string{"bot_id": opts.botID}, http.StatusCreated)
	if err != nil {
		return replaySummary{}, fmt.Errorf("create session: %w", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		return replaySummary{}, fmt.Errorf("create session: missing id in response")
	}
	summary.SessionID = id
	defer func() {
		res, derr := postJSON(context.Background(), httpClient, opts.baseURL+"/v1/chat/sessions/"+url.PathEscape(id)+"/disconnect", nil, http.StatusOK)
		if derr == nil {
			summary.Persisted, _ = res["persisted"].(bool)
		}
	}()

	if created["state"] == "awaiting_details" {
		if _, err := postJSON(ctx, httpClient, opts.baseURL+"/v1/chat/sessions/"+url.PathEscape(id)+"/details", map[string]any{"details": opts.details}, http.StatusOK); err != nil {
			return summary, fmt.Errorf("submit details: %w", err)
		}
	}
	if opts.verbose {
		fmt.Fprintf(out, "replay: session=%s bot=%s turns=%d\n", id, opts.botID, opts.turns)
	}

	wsURL, err := wsURLForSession(opts.baseURL, id)
	if err != nil {
		return summary, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return summary, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if opts.startDelay > 0 {
		time.Sleep(opts.startDelay)
	}

	replyCh := make(chan string, 32)
	readErrCh := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLoop(conn, replyCh, readErrCh, opts.verbose, out)
	}()
	defer func() {
		_ = conn.Close()
		<-readDone
	}()

	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		start := time.Now()
		if err := conn.WriteJSON(protocol.ClientMessage{
			Type:      protocol.TypeClientMessage,
			SessionID: id,
			Text:      text,
			TSMs:      start.UnixMilli(),
		}); err != nil {
			return summary, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		reply, err := awaitReply(replyCh, readErrCh, opts.turnTimeout)
		if err != nil {
			return summary, fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		latency := time.Since(start)
		summary.Turns++
		summary.Latencies = append(summary.Latencies, latency)
		if opts.verbose {
			fmt.Fprintf(out, "replay: turn %d/%d latency=%s text=%q reply=%q\n", i+1, opts.turns, latency.Round(time.Millisecond), text, reply)
		}
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}
	return summary, nil
}

// lockedWriter serializes writes from the turn loop and the websocket reader.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func postJSON(ctx context.Context, client *http.Client, target string, body any, want int) (map[string]any, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != want {
		return nil, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

// readLoop forwards agent replies. The greeting arrives inside the opening
// snapshot, so every agent message_appended answers a sent turn.
func readLoop(conn *websocket.Conn, replyCh chan<- string, readErrCh chan<- error, verbose bool, out io.Writer) {
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
		switch env.Type {
		case protocol.TypeMessageAppended:
			if env.Message == nil || env.Message.Sender != conversation.SenderAgent {
				continue
			}
			select {
			case replyCh <- env.Message.Message:
			default:
			}
		case protocol.TypeErrorEvent:
			if verbose {
				fmt.Fprintf(out, "replay: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func awaitReply(replyCh <-chan string, readErrCh <-chan error, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case err := <-readErrCh:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("timeout after %s", timeout)
	}
}

// percentile uses nearest-rank on a sorted copy.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(p*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func printSummary(out io.Writer, s replaySummary) {
	fmt.Fprintf(out, "replay: session=%s turns=%d p50=%s p95=%s max=%s persisted=%t\n",
		s.SessionID,
		s.Turns,
		percentile(s.Latencies, 0.50).Round(time.Millisecond),
		percentile(s.Latencies, 0.95).Round(time.Millisecond),
		percentile(s.Latencies, 1).Round(time.Millisecond),
		s.Persisted,
	)
}

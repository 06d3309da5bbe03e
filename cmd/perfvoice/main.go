// Command perfvoice drives a running turn orchestrator end to end over its
// public HTTP and websocket surface, replaying a scripted conversation and
// timing how long each turn takes to reach its terminal frame. It follows
// the same session-create / dial / read-loop / replay shape as the
// teacher's load-testing client, retargeted at this orchestrator's
// text-based wire protocol (internal/protocol) instead of a raw PCM
// streaming one.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaylane/turnorchestrator/internal/protocol"
)

type options struct {
	baseURL        string
	clientID       string
	voiceID        string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	ClientID string `json:"client_id,omitempty"`
	VoiceID  string `json:"voice_id,omitempty"`
}

type createSessionResponse struct {
	ClientID string `json:"client_id"`
}

var defaultUtterances = []string{
	"what's the weather like today",
	"tell me a joke",
	"what time is it",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "turn orchestrator base URL")
	flag.StringVar(&cfg.clientID, "client-id", "", "client id to use (random if empty)")
	flag.StringVar(&cfg.voiceID, "voice-id", "", "optional voice id for the session")
	flag.IntVar(&cfg.turns, "turns", len(defaultUtterances), "number of turns to replay")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 200, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for a terminal frame per turn")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 20 * time.Second}
	clientID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, clientID)
	}()

	if cfg.verbose {
		fmt.Printf("perfvoice: client_id=%s turns=%d\n", clientID, cfg.turns)
	}

	wsURL, err := wsURLFor(cfg.baseURL, clientID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	doneCh := make(chan struct{}, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, doneCh, readErrCh, cfg.verbose)

	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}

		text := cfg.texts[i%len(cfg.texts)]
		started := time.Now()
		if cfg.verbose {
			fmt.Printf("perfvoice: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		if err := conn.WriteJSON(protocol.TextInput{Type: protocol.TypeTextInput, Text: text}); err != nil {
			return fmt.Errorf("turn %d send text-input: %w", i+1, err)
		}
		if err := awaitTurnEnd(doneCh, readErrCh, cfg.turnTimeout); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("perfvoice: turn %d complete in %s\n", i+1, time.Since(started).Round(time.Millisecond))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if cfg.verbose {
		fmt.Println("perfvoice: replay completed")
	}
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{ClientID: cfg.clientID, VoiceID: cfg.voiceID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/sessions", bytes.NewReader(payload))
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
	if strings.TrimSpace(out.ClientID) == "" {
		return "", fmt.Errorf("missing client_id in response")
	}
	return out.ClientID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/sessions/"+url.PathEscape(clientID), nil)
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

func wsURLFor(baseURL, clientID string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(clientID)
	return u.String(), nil
}

// readLoop decodes outbound frames and signals doneCh (without blocking)
// on every backend-synth-complete and force-new-message frame. The server
// sends both, in that order, at the end of every completed turn; an
// interrupted turn sends neither.
func readLoop(conn *websocket.Conn, doneCh chan<- struct{}, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeBackendSynthComplete, protocol.TypeForceNewMessage:
			select {
			case doneCh <- struct{}{}:
			default:
			}
		case protocol.TypeError:
			if verbose {
				fmt.Fprintf(os.Stderr, "perfvoice: error frame: %s\n", string(data))
			}
		}
	}
}

func awaitTurnEnd(doneCh <-chan struct{}, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-doneCh:
		return nil
	case err := <-readErrCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timeout after %s waiting for a terminal frame", timeout)
	}
}

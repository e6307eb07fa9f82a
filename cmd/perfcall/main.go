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
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/memorylane/internal/conversation"
	"github.com/ent0n29/memorylane/internal/voice"
)

type options struct {
	baseURL        string
	userID         string
	voice          string
	calls          int
	holdFor        time.Duration
	connectTimeout time.Duration
	interCallDelay time.Duration
	verbose        bool
}

type createCallRequest struct {
	UserID string `json:"user_id,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

type callResult struct {
	connect time.Duration
	state   conversation.State
	err     error
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("perfcall", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "memorylane base URL")
	fs.StringVar(&cfg.userID, "user-id", "perf-probe", "user_id used for the probe calls")
	fs.StringVar(&cfg.voice, "voice", "", "optional voice for the probe calls")
	fs.IntVar(&cfg.calls, "calls", 5, "number of sequential calls")
	fs.DurationVar(&cfg.holdFor, "hold", 2*time.Second, "how long each call stays connected before stop")
	fs.DurationVar(&cfg.connectTimeout, "connect-timeout", 15*time.Second, "timeout waiting for a call to connect")
	fs.DurationVar(&cfg.interCallDelay, "inter-call", 500*time.Millisecond, "delay between calls")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.calls <= 0 {
		return options{}, fmt.Errorf("calls must be > 0")
	}
	if cfg.connectTimeout < time.Second {
		cfg.connectTimeout = time.Second
	}
	if cfg.holdFor < 0 {
		cfg.holdFor = 0
	}
	if cfg.interCallDelay < 0 {
		cfg.interCallDelay = 0
	}
	return cfg, nil
}

func run(cfg options) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	results := make([]callResult, 0, cfg.calls)
	for i := 0; i < cfg.calls; i++ {
		res := probeCall(context.Background(), httpClient, cfg)
		if cfg.verbose {
			fmt.Printf("perfcall: call %d/%d state=%s connect=%s err=%v\n", i+1, cfg.calls, res.state, res.connect.Round(time.Millisecond), res.err)
		}
		results = append(results, res)
		if cfg.interCallDelay > 0 && i < cfg.calls-1 {
			time.Sleep(cfg.interCallDelay)
		}
	}

	fmt.Println(summarize(results))
	stages, err := fetchStages(httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch stage latency: %w", err)
	}
	fmt.Println(stages)
	return nil
}

// probeCall starts a call, waits on its feed until it connects, holds it and
// stops it gracefully.
func probeCall(ctx context.Context, client *http.Client, cfg options) callResult {
	started := time.Now()
	view, err := createCall(ctx, client, cfg)
	if err != nil {
		return callResult{err: fmt.Errorf("create call: %w", err)}
	}
	defer func() {
		_ = postCall(context.Background(), client, cfg.baseURL, view.CallID, "stop")
	}()

	wsURL, err := wsURLForCall(cfg.baseURL, view.CallID)
	if err != nil {
		return callResult{err: err}
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return callResult{err: fmt.Errorf("open websocket: %w", err)}
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(cfg.connectTimeout))
	state := view.State
	for !state.Live() {
		var ev voice.CallEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return callResult{state: state, err: fmt.Errorf("await connect: %w", err)}
		}
		switch ev.Type {
		case voice.EventStateChanged:
			state = ev.State
			if !state.Active() {
				return callResult{state: state, err: fmt.Errorf("call ended before connecting")}
			}
		case voice.EventCallError:
			if cfg.verbose {
				fmt.Fprintf(os.Stderr, "perfcall: call_error %s\n", ev.Error)
			}
		}
	}
	connect := time.Since(started)
	if cfg.holdFor > 0 {
		time.Sleep(cfg.holdFor)
	}
	return callResult{connect: connect, state: state}
}

func createCall(ctx context.Context, client *http.Client, cfg options) (voice.CallView, error) {
	payload, err := json.Marshal(createCallRequest{UserID: cfg.userID, Voice: strings.TrimSpace(cfg.voice)})
	if err != nil {
		return voice.CallView{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/voice/calls", bytes.NewReader(payload))
	if err != nil {
		return voice.CallView{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return voice.CallView{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return voice.CallView{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return voice.CallView{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out voice.CallView
	if err := json.Unmarshal(body, &out); err != nil {
		return voice.CallView{}, err
	}
	if strings.TrimSpace(out.CallID) == "" {
		return voice.CallView{}, fmt.Errorf("missing call_id in response")
	}
	return out, nil
}

func postCall(ctx context.Context, client *http.Client, baseURL, callID, action string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/calls/"+url.PathEscape(callID)+"/"+action, nil)
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

func wsURLForCall(baseURL, callID string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/calls/" + url.PathEscape(callID) + "/ws"
	return u.String(), nil
}

func summarize(results []callResult) string {
	var connects []time.Duration
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		connects = append(connects, r.connect)
	}
	if len(connects) == 0 {
		return fmt.Sprintf("perfcall: %d calls, %d failed, no connect samples", len(results), failed)
	}
	sort.Slice(connects, func(i, j int) bool { return connects[i] < connects[j] })
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(connects)-1))
		return connects[idx].Round(time.Millisecond)
	}
	return fmt.Sprintf("perfcall: %d calls, %d failed, connect min=%s p50=%s p95=%s max=%s",
		len(results), failed, pct(0), pct(0.5), pct(0.95), pct(1))
}

func fetchStages(client *http.Client, baseURL string) (string, error) {
	res, err := client.Get(baseURL + "/v1/perf/latency")
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, io.LimitReader(res.Body, 1<<20)); err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return strings.TrimSpace(out.String()), nil
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vibetrade/agentgateway/internal/observability"
	"github.com/vibetrade/agentgateway/internal/protocol"
)

type perfOptions struct {
	baseURL        string
	sessionID      string
	turns          int
	texts          string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

var perfOpts perfOptions

var defaultPerfTexts = []string{
	"Reply in three words: market mood?",
	"Reply in three words: next step?",
	"Reply in three words: biggest risk?",
}

func init() {
	f := perfCmd.Flags()
	f.StringVar(&perfOpts.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	f.StringVar(&perfOpts.sessionID, "session-id", "", "session id to replay under (default: random)")
	f.IntVar(&perfOpts.turns, "turns", 5, "number of turns to replay")
	f.StringVar(&perfOpts.texts, "texts", "", "messages separated by '|' (optional)")
	f.DurationVar(&perfOpts.interTurnDelay, "inter-turn", 200*time.Millisecond, "delay between turns")
	f.DurationVar(&perfOpts.turnTimeout, "turn-timeout", 60*time.Second, "timeout per turn")
	f.BoolVar(&perfOpts.verbose, "verbose", true, "print per-turn progress")
	rootCmd.AddCommand(perfCmd)
}

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Replay chat turns against /chat/stream and report latency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		texts, err := splitTexts(perfOpts.texts)
		if err != nil {
			return err
		}
		return runPerf(cmd.Context(), cmd.OutOrStdout(), perfOpts, texts)
	},
}

// turnTiming is what one replayed turn observed from the client side.
type turnTiming struct {
	FirstEvent time.Duration
	FirstChunk time.Duration
	Total      time.Duration
	Events     int
	Remaining  int
}

func splitTexts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultPerfTexts...), nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("texts produced no non-empty messages")
	}
	return out, nil
}

func runPerf(ctx context.Context, out io.Writer, opts perfOptions, texts []string) error {
	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if opts.baseURL == "" {
		return errors.New("base-url is required")
	}
	if opts.turns <= 0 {
		return errors.New("turns must be > 0")
	}
	if opts.sessionID == "" {
		opts.sessionID = "perf-" + uuid.NewString()
	}

	client := &http.Client{}
	if opts.verbose {
		fmt.Fprintf(out, "perf: session=%s turns=%d\n", opts.sessionID, opts.turns)
	}

	var timings []turnTiming
	for i := 0; i < opts.turns; i++ {
		text := texts[i%len(texts)]
		turnCtx, cancel := context.WithTimeout(ctx, opts.turnTimeout)
		tt, err := replayTurn(turnCtx, client, opts.baseURL, opts.sessionID, text)
		cancel()
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, tt)
		if opts.verbose {
			fmt.Fprintf(out, "perf: turn %d/%d first_event=%s first_chunk=%s total=%s events=%d remaining=%d\n",
				i+1, opts.turns, tt.FirstEvent.Round(time.Millisecond), tt.FirstChunk.Round(time.Millisecond),
				tt.Total.Round(time.Millisecond), tt.Events, tt.Remaining)
		}
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interTurnDelay):
			}
		}
	}

	fmt.Fprintf(out, "perf: client p50 first_chunk=%s total=%s\n",
		percentile(timings, func(t turnTiming) time.Duration { return t.FirstChunk }, 0.5).Round(time.Millisecond),
		percentile(timings, func(t turnTiming) time.Duration { return t.Total }, 0.5).Round(time.Millisecond))

	snap, err := fetchServerStages(ctx, client, opts.baseURL)
	if err != nil {
		fmt.Fprintf(out, "perf: server latency window unavailable: %v\n", err)
		return nil
	}
	for _, st := range snap.Stages {
		fmt.Fprintf(out, "perf: server %s samples=%d p50=%.1fms p95=%.1fms\n", st.Stage, st.Samples, st.P50MS, st.P95MS)
	}
	return nil
}

// replayTurn sends one message to /chat/stream and reads events until the
// terminal one.
func replayTurn(ctx context.Context, client *http.Client, baseURL, sessionID, text string) (turnTiming, error) {
	payload, err := json.Marshal(protocol.ChatRequest{
		Messages:  []protocol.ChatMessage{{Role: protocol.RoleUser, Content: text}},
		SessionID: sessionID,
	})
	if err != nil {
		return turnTiming{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return turnTiming{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return turnTiming{}, err
	}
	defer res.Body.Close()

	var tt turnTiming
	sc := bufio.NewScanner(res.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev protocol.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return tt, fmt.Errorf("decode event: %w", err)
		}
		elapsed := time.Since(start)
		tt.Events++
		if tt.Events == 1 {
			tt.FirstEvent = elapsed
		}
		switch ev.Type {
		case protocol.EventMessageChunk:
			if tt.FirstChunk == 0 {
				tt.FirstChunk = elapsed
			}
		case protocol.EventError:
			return tt, fmt.Errorf("HTTP %d: %s", res.StatusCode, ev.Content)
		case protocol.EventComplete:
			tt.Total = elapsed
			var done protocol.CompletePayload
			if err := json.Unmarshal([]byte(ev.Content), &done); err == nil {
				tt.Remaining = done.RemainingRequests
			}
			return tt, nil
		}
	}
	if err := sc.Err(); err != nil {
		return tt, err
	}
	return tt, errors.New("stream ended without a terminal event")
}

func fetchServerStages(ctx context.Context, client *http.Client, baseURL string) (observability.RunStageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return observability.RunStageSnapshot{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return observability.RunStageSnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return observability.RunStageSnapshot{}, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	var snap observability.RunStageSnapshot
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&snap); err != nil {
		return observability.RunStageSnapshot{}, err
	}
	return snap, nil
}

func percentile(timings []turnTiming, pick func(turnTiming) time.Duration, q float64) time.Duration {
	if len(timings) == 0 {
		return 0
	}
	vals := make([]time.Duration, len(timings))
	for i, t := range timings {
		vals[i] = pick(t)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	idx := int(q * float64(len(vals)-1))
	return vals[idx]
}

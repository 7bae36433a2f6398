package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"eventcast/pkg/envelope"
	"eventcast/pkg/logging"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultPreloadLimit   = 50
	DefaultStreamPath     = "/events"
)

var errStreamClosed = errors.New("listener: stream closed by server")

type Config struct {
	BaseURL        string
	StreamPath     string
	PreloadLimit   int
	ReconnectDelay time.Duration
	SeenCapacity   int
	Client         *http.Client
	OnEvent        func(ev map[string]any)
}

// Listener follows the push channel and delivers each distinct event once,
// across reconnects and the initial poll.
type Listener struct {
	cfg  Config
	seen *SeenSet
	log  zerolog.Logger
}

func New(cfg Config) *Listener {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.StreamPath == "" {
		cfg.StreamPath = DefaultStreamPath
	}
	if cfg.PreloadLimit <= 0 {
		cfg.PreloadLimit = DefaultPreloadLimit
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Client == nil {
		// No overall timeout: the stream response never completes.
		cfg.Client = &http.Client{}
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(map[string]any) {}
	}
	return &Listener{
		cfg:  cfg,
		seen: NewSeenSet(cfg.SeenCapacity),
		log:  logging.WithComponent("listener"),
	}
}

func (l *Listener) Seen() *SeenSet {
	return l.seen
}

// Preload marks the most recent stored events as seen without delivering
// them, so a push frame for an already-listed event is not replayed.
func (l *Listener) Preload(ctx context.Context) (int, error) {
	url := l.cfg.BaseURL + "/api/events?limit=" + strconv.Itoa(l.cfg.PreloadLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("preload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("preload: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("preload: decode: %w", err)
	}

	added := 0
	for _, ev := range body.Events {
		if l.seen.Add(EventKey(ev)) {
			added++
		}
	}
	l.log.Debug().Int("events", added).Msg("preloaded")
	return added, nil
}

// Run consumes the push channel until ctx is cancelled. Any stream error
// waits ReconnectDelay and reconnects; the seen set is kept.
func (l *Listener) Run(ctx context.Context) error {
	backoff := retry.NewConstant(l.cfg.ReconnectDelay)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := l.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.Warn().Err(err).Dur("retry_in", l.cfg.ReconnectDelay).Msg("stream disconnected")
		return retry.RetryableError(err)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (l *Listener) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.BaseURL+l.cfg.StreamPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}
	l.log.Info().Str("url", req.URL.String()).Msg("stream connected")

	if err := l.readFrames(resp.Body); err != nil {
		return err
	}
	return errStreamClosed
}

// readFrames parses text/event-stream framing: data lines accumulate until
// a blank line; lines starting with ':' are comments.
func (l *Listener) readFrames(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				l.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

func (l *Listener) dispatch(raw string) {
	var ev map[string]any
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		l.log.Debug().Err(err).Msg("skipping non-JSON frame")
		return
	}
	if ev["type"] == envelope.TypeConnection {
		return
	}
	if !l.seen.Add(EventKey(ev)) {
		return
	}
	l.cfg.OnEvent(ev)
}

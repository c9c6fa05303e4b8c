// Package relay implements delivery.Transport over WebSocket relays.
//
// Frames are JSON arrays: ["EVENT", env] publishes and is answered with
// ["OK", id, accepted, reason]; ["REQ", sub, filter] streams matching
// ["EVENT", sub, env] frames, then ["EOSE", sub], then live events until
// ["CLOSE", sub].
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"cashrail/native/delivery"
)

var (
	// ErrRejected is returned when a relay refuses an envelope.
	ErrRejected = errors.New("relay: envelope rejected")
	// ErrClosed is returned when a relay ends a subscription.
	ErrClosed = errors.New("relay: subscription closed by relay")
)

const maxFrameBytes = 1 << 20

// Pool dials relays on demand. It keeps no long-lived state beyond active
// subscriptions, which reconnect until stopped.
type Pool struct {
	httpClient     *http.Client
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	logger         *slog.Logger
}

var _ delivery.Transport = (*Pool)(nil)

// Option customises the pool.
type Option func(*Pool)

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pool) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithDialTimeout bounds the handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithReconnectDelay sets the pause before a dropped subscription redials.
func WithReconnectDelay(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.reconnectDelay = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool constructs a relay pool.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		dialTimeout:    5 * time.Second,
		reconnectDelay: 2 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends env to every relay concurrently and reports each outcome.
func (p *Pool) Publish(ctx context.Context, relays []string, env delivery.Envelope) ([]delivery.RelayResult, error) {
	relays = dedupe(relays)
	if len(relays) == 0 {
		return nil, &delivery.PublishError{Kind: delivery.KindNoRelays, Err: errors.New("no relays")}
	}
	results := make([]delivery.RelayResult, len(relays))
	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = delivery.RelayResult{Relay: url, Err: p.publishOne(ctx, url, env)}
		}(i, url)
	}
	wg.Wait()
	return results, nil
}

func (p *Pool) publishOne(ctx context.Context, url string, env delivery.Envelope) error {
	conn, err := p.dial(ctx, url)
	if err != nil {
		return classify(ctx, url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, []any{"EVENT", env}); err != nil {
		return classify(ctx, url, err)
	}
	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return classify(ctx, url, err)
		}
		if f.kind != "OK" || len(f.args) < 2 {
			continue
		}
		var id string
		var accepted bool
		if json.Unmarshal(f.args[0], &id) != nil || !strings.EqualFold(id, env.ID) {
			continue
		}
		if err := json.Unmarshal(f.args[1], &accepted); err != nil {
			return fmt.Errorf("relay %s: malformed OK frame: %w", url, err)
		}
		if accepted {
			return nil
		}
		reason := ""
		if len(f.args) > 2 {
			_ = json.Unmarshal(f.args[2], &reason)
		}
		return fmt.Errorf("%w by %s: %s", ErrRejected, url, reason)
	}
}

// Subscribe streams envelopes matching filter from every relay until the
// returned stop function is called or ctx ends. Callbacks are serialised.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filter delivery.Filter, onEvent func(delivery.Envelope)) (func(), error) {
	relays = dedupe(relays)
	if len(relays) == 0 {
		return nil, &delivery.PublishError{Kind: delivery.KindNoRelays, Err: errors.New("no relays")}
	}
	if onEvent == nil {
		return nil, errors.New("relay: event handler required")
	}
	sctx, cancel := context.WithCancel(ctx)
	subID := uuid.NewString()
	var (
		wg      sync.WaitGroup
		emitMu  sync.Mutex
		stopper sync.Once
	)
	emit := func(env delivery.Envelope) {
		emitMu.Lock()
		defer emitMu.Unlock()
		if sctx.Err() == nil {
			onEvent(env)
		}
	}
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			p.stream(sctx, url, subID, filter, emit)
		}(url)
	}
	stop := func() {
		stopper.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	return stop, nil
}

func (p *Pool) stream(ctx context.Context, url, subID string, filter delivery.Filter, emit func(delivery.Envelope)) {
	for {
		last, err := p.readSubscription(ctx, url, subID, filter, emit)
		if ctx.Err() != nil {
			return
		}
		if last > filter.Since {
			filter.Since = last
		}
		p.logger.Warn("wallet/relay: subscription dropped, reconnecting",
			slog.String("relay", url), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.reconnectDelay):
		}
	}
}

// readSubscription runs one REQ until the connection fails. It returns the
// newest created_at seen so a reconnect can narrow the backlog.
func (p *Pool) readSubscription(ctx context.Context, url, subID string, filter delivery.Filter, emit func(delivery.Envelope)) (int64, error) {
	var last int64
	conn, err := p.dial(ctx, url)
	if err != nil {
		return last, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = wsjson.Write(cctx, conn, []any{"CLOSE", subID})
	}()

	if err := wsjson.Write(ctx, conn, []any{"REQ", subID, filter}); err != nil {
		return last, err
	}
	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return last, err
		}
		switch f.kind {
		case "EVENT":
			env, ok := f.event(subID)
			if !ok {
				continue
			}
			if env.CreatedAt > last {
				last = env.CreatedAt
			}
			emit(env)
		case "CLOSED":
			return last, ErrClosed
		case "NOTICE":
			p.logger.Debug("wallet/relay: notice", slog.String("relay", url), slog.String("notice", f.text()))
		}
	}
}

// QuerySync collects stored envelopes matching filter from every relay,
// returning once each relay has sent EOSE or maxWait elapses. Results are
// deduplicated by envelope id. An error is returned only if no relay answered.
func (p *Pool) QuerySync(ctx context.Context, relays []string, filter delivery.Filter, maxWait time.Duration) ([]delivery.Envelope, error) {
	relays = dedupe(relays)
	if len(relays) == 0 {
		return nil, &delivery.PublishError{Kind: delivery.KindNoRelays, Err: errors.New("no relays")}
	}
	qctx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	type answer struct {
		envs []delivery.Envelope
		err  error
	}
	answers := make([]answer, len(relays))
	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			envs, err := p.queryOne(qctx, url, filter)
			answers[i] = answer{envs: envs, err: err}
		}(i, url)
	}
	wg.Wait()

	var (
		out      []delivery.Envelope
		seen     = make(map[string]struct{})
		firstErr error
		answered bool
	)
	for i, a := range answers {
		if a.err != nil && len(a.envs) == 0 {
			if firstErr == nil {
				firstErr = classify(qctx, relays[i], a.err)
			}
			continue
		}
		answered = true
		for _, env := range a.envs {
			key := strings.ToLower(env.ID)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, env)
		}
	}
	if !answered {
		return nil, firstErr
	}
	return out, nil
}

func (p *Pool) queryOne(ctx context.Context, url string, filter delivery.Filter) ([]delivery.Envelope, error) {
	conn, err := p.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	subID := uuid.NewString()
	if err := wsjson.Write(ctx, conn, []any{"REQ", subID, filter}); err != nil {
		return nil, err
	}
	var envs []delivery.Envelope
	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return envs, err
		}
		switch f.kind {
		case "EVENT":
			if env, ok := f.event(subID); ok {
				envs = append(envs, env)
			}
		case "EOSE":
			_ = wsjson.Write(ctx, conn, []any{"CLOSE", subID})
			return envs, nil
		case "CLOSED":
			return envs, ErrClosed
		}
	}
}

func (p *Pool) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, url, &websocket.DialOptions{HTTPClient: p.httpClient})
	if err != nil {
		if ctx.Err() == nil && dctx.Err() != nil {
			return nil, &delivery.PublishError{Kind: delivery.KindTimeout, Relay: url, Err: err}
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

type frame struct {
	kind string
	args []json.RawMessage
}

func readFrame(ctx context.Context, conn *websocket.Conn) (frame, error) {
	var raw []json.RawMessage
	if err := wsjson.Read(ctx, conn, &raw); err != nil {
		return frame{}, err
	}
	if len(raw) == 0 {
		return frame{}, nil
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return frame{}, nil
	}
	return frame{kind: strings.ToUpper(kind), args: raw[1:]}, nil
}

func (f frame) event(subID string) (delivery.Envelope, bool) {
	if len(f.args) < 2 {
		return delivery.Envelope{}, false
	}
	var sub string
	if json.Unmarshal(f.args[0], &sub) != nil || sub != subID {
		return delivery.Envelope{}, false
	}
	var env delivery.Envelope
	if err := json.Unmarshal(f.args[1], &env); err != nil || env.ID == "" {
		return delivery.Envelope{}, false
	}
	return env, true
}

func (f frame) text() string {
	if len(f.args) == 0 {
		return ""
	}
	var s string
	_ = json.Unmarshal(f.args[0], &s)
	return s
}

// classify marks deadline failures as delivery timeouts so the deliverer
// retries them.
func classify(ctx context.Context, url string, err error) error {
	if err == nil {
		return nil
	}
	if delivery.IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &delivery.PublishError{Kind: delivery.KindTimeout, Relay: url, Err: err}
	}
	return err
}

func dedupe(relays []string) []string {
	seen := make(map[string]struct{}, len(relays))
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		r = strings.TrimRight(strings.TrimSpace(r), "/")
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Package session implements the client side of the scan push channel: it
// keeps a View of the server's scan state current across disconnects.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/net/websocket"

	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/metrics"
	"github.com/mbusbee505/JobFinder/internal/scan"
)

// DefaultReconnect is the fixed delay between connection attempts.
const DefaultReconnect = 3 * time.Second

// ErrStreamClosed is returned when the server ends the event stream.
var ErrStreamClosed = errors.New("event stream closed")

// Hooks are called from the session goroutine.
type Hooks struct {
	// Changed receives a copy of the view after every change.
	Changed func(View)
	// Refresh is called after terminal and job events, and after a resync.
	Refresh func(ctx context.Context)
}

// Options configures a Session.
type Options struct {
	// BaseURL is the server root including any base path,
	// e.g. http://localhost:8080/jobs.
	BaseURL    string
	Reconnect  time.Duration
	HTTPClient *http.Client
	Hooks      Hooks
	Logger     *slog.Logger
}

// Stats is the body of GET /api/v1/stats.
type Stats struct {
	Funnel    metrics.Funnel    `json:"funnel"`
	Breakdown metrics.Breakdown `json:"breakdown"`
}

// Session is a push-channel consumer. Run connects, resyncs and follows the
// event stream, reconnecting until its context ends.
type Session struct {
	base      *url.URL
	wsURL     string
	reconnect time.Duration
	client    *http.Client
	hooks     Hooks
	logger    *slog.Logger

	mu      sync.Mutex
	view    View
	haveSeq bool
}

// New validates opts and returns an unconnected Session.
func New(opts Options) (*Session, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	ws := *base
	switch base.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("base url must be http or https, got %q", opts.BaseURL)
	}
	ws.Path += "/api/v1/ws"

	s := &Session{
		base:      base,
		wsURL:     ws.String(),
		reconnect: opts.Reconnect,
		client:    opts.HTTPClient,
		hooks:     opts.Hooks,
		logger:    opts.Logger,
	}
	if s.reconnect <= 0 {
		s.reconnect = DefaultReconnect
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 10 * time.Second}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "session"))
	return s, nil
}

// View returns a copy of the current view.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Run follows the server until ctx ends. Each attempt opens the event
// stream before querying state so no transition is missed between the two.
// Lost connections are retried after a fixed delay, indefinitely.
func (s *Session) Run(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(s.reconnect), ctx)
	err := backoff.RetryNotify(func() error {
		return s.connect(ctx)
	}, b, func(err error, next time.Duration) {
		s.logger.Warn("session disconnected, retrying",
			slog.Any("error", err),
			slog.Duration("retry_in", next))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) connect(ctx context.Context) error {
	cfg, err := websocket.NewConfig(s.wsURL, s.base.String())
	if err != nil {
		return fmt.Errorf("configuring event stream: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer conn.Close() //nolint:errcheck
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.update(func(v *View) {
		v.Connected = true
		s.haveSeq = false
	})
	defer s.update(func(v *View) { v.Connected = false })
	s.logger.Debug("event stream opened", slog.String("url", s.wsURL))

	if err := s.resync(ctx); err != nil {
		return err
	}

	for {
		var e event.Event
		if err := websocket.JSON.Receive(conn, &e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrStreamClosed, err)
		}
		if err := s.handle(ctx, e); err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, e event.Event) error {
	var gap bool
	var refresh bool
	s.update(func(v *View) {
		gap = s.haveSeq && e.Seq != v.LastSeq+1
		v.LastSeq = e.Seq
		s.haveSeq = true
		refresh = v.Apply(e)
	})

	if gap {
		s.logger.Info("event sequence gap, resyncing", slog.Uint64("seq", e.Seq))
		if err := s.resync(ctx); err != nil {
			return err
		}
		refresh = true
	}

	if refresh {
		if s.hooks.Refresh != nil {
			s.hooks.Refresh(ctx)
		}
		s.update(func(v *View) { v.NeedsRefresh = false })
	}
	return nil
}

func (s *Session) resync(ctx context.Context) error {
	st, err := s.FetchState(ctx)
	if err != nil {
		return err
	}
	s.update(func(v *View) { v.Snapshot(st) })
	return nil
}

// update mutates the view under the lock, then reports the result.
func (s *Session) update(fn func(v *View)) {
	s.mu.Lock()
	fn(&s.view)
	v := s.view
	s.mu.Unlock()

	if s.hooks.Changed != nil {
		s.hooks.Changed(v)
	}
}

// FetchState queries GET /api/v1/scan/state.
func (s *Session) FetchState(ctx context.Context) (scan.State, error) {
	var st scan.State
	if err := s.getJSON(ctx, "/api/v1/scan/state", &st); err != nil {
		return scan.State{}, fmt.Errorf("fetching scan state: %w", err)
	}
	return st, nil
}

// FetchStats queries GET /api/v1/stats.
func (s *Session) FetchStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.getJSON(ctx, "/api/v1/stats", &st); err != nil {
		return Stats{}, fmt.Errorf("fetching stats: %w", err)
	}
	return st, nil
}

func (s *Session) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base.String()+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

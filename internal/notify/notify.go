// Package notify posts scan outcomes to operator-configured webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/version"
)

const (
	maxAttempts    = 3
	requestTimeout = 10 * time.Second
)

// Events are the event types forwarded to webhooks.
var Events = []event.Type{event.ScanComplete, event.ScanError}

// Payload is the JSON body posted to each webhook.
type Payload struct {
	Event     event.Type     `json:"event"`
	Message   string         `json:"message"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier delivers events to a fixed list of webhook URLs.
type Notifier struct {
	urls       []string
	httpClient *http.Client
	logger     *slog.Logger

	// initialInterval is the first retry delay.
	initialInterval time.Duration

	wg sync.WaitGroup
}

// New creates a Notifier. An empty url list yields a notifier that does
// nothing.
func New(urls []string, logger *slog.Logger) *Notifier {
	return NewWithHTTPClient(urls, &http.Client{Timeout: requestTimeout}, logger)
}

// NewWithHTTPClient creates a Notifier with a custom HTTP client (for testing).
func NewWithHTTPClient(urls []string, client *http.Client, logger *slog.Logger) *Notifier {
	return &Notifier{
		urls:            urls,
		httpClient:      client,
		logger:          logger.With(slog.String("component", "notify")),
		initialInterval: time.Second,
	}
}

// Enabled reports whether any webhook is configured.
func (n *Notifier) Enabled() bool { return len(n.urls) > 0 }

// HandleEvent is an event.Handler that posts e to every webhook. Deliveries
// run in the background; Wait blocks until they finish.
func (n *Notifier) HandleEvent(e event.Event) {
	body, err := json.Marshal(Payload{
		Event:     e.Type,
		Message:   e.Message,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	})
	if err != nil {
		n.logger.Error("encoding webhook payload", slog.String("event", string(e.Type)), slog.Any("error", err))
		return
	}

	for _, u := range n.urls {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.deliver(u, e.Type, body)
		}()
	}
}

// Wait blocks until in-flight deliveries complete.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(url string, t event.Type, body []byte) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.initialInterval
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := n.send(url, body)
		if err != nil {
			n.logger.Warn("webhook delivery failed",
				slog.String("url", url),
				slog.String("event", string(t)),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(b, maxAttempts-1)); err != nil {
		n.logger.Error("webhook delivery exhausted retries",
			slog.String("url", url),
			slog.String("event", string(t)),
			slog.Any("error", err))
		return
	}
	n.logger.Debug("webhook delivered",
		slog.String("url", url),
		slog.String("event", string(t)),
		slog.Int("attempt", attempt))
}

func (n *Notifier) send(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "JobFinder-Webhook/"+version.Version)

	resp, err := n.httpClient.Do(req) //nolint:gosec // URL comes from operator config
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()        //nolint:errcheck
	io.Copy(io.Discard, resp.Body) //nolint:errcheck,gosec

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

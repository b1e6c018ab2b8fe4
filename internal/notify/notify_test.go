package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbusbee505/JobFinder/internal/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_DeliversPayload(t *testing.T) {
	var mu sync.Mutex
	var got []Payload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWithHTTPClient([]string{srv.URL, srv.URL + "/second"}, srv.Client(), testLogger())
	require.True(t, n.Enabled())

	n.HandleEvent(event.Event{
		Type:      event.ScanComplete,
		Seq:       7,
		Message:   "Scan complete. New jobs: 2, Links examined: 9",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"new_jobs": 2},
	})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, event.ScanComplete, got[0].Event)
	assert.EqualValues(t, 7, got[0].Seq)
	assert.EqualValues(t, 2, got[0].Data["new_jobs"])
}

func TestNotifier_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	n := NewWithHTTPClient([]string{srv.URL}, srv.Client(), testLogger())
	n.initialInterval = 5 * time.Millisecond

	n.HandleEvent(event.Event{Type: event.ScanError, Message: "Scan error: boom"})
	n.Wait()

	assert.EqualValues(t, 3, calls.Load())
}

func TestNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWithHTTPClient([]string{srv.URL}, srv.Client(), testLogger())
	n.initialInterval = 5 * time.Millisecond

	n.HandleEvent(event.Event{Type: event.ScanError})
	n.Wait()

	assert.EqualValues(t, maxAttempts, calls.Load())
}

func TestNotifier_ViaBus(t *testing.T) {
	received := make(chan Payload, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
	}))
	defer srv.Close()

	bus := event.NewBus(testLogger(), 16)
	defer bus.Close()

	n := NewWithHTTPClient([]string{srv.URL}, srv.Client(), testLogger())
	bus.Handle(n.HandleEvent, Events...)

	bus.Publish(event.Event{Type: event.ScanStarted})
	bus.Publish(event.Event{Type: event.ScanComplete, Message: "done"})

	select {
	case p := <-received:
		assert.Equal(t, event.ScanComplete, p.Event)
		assert.Equal(t, "done", p.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}

	select {
	case p := <-received:
		t.Fatalf("unexpected delivery for %s", p.Event)
	case <-time.After(50 * time.Millisecond):
	}
	n.Wait()
}

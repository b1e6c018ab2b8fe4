package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/mbusbee505/JobFinder/internal/event"
)

const writeTimeout = 10 * time.Second

// eventStream returns the push channel. Each bus event is sent as one JSON
// frame. No snapshot is sent on connect; clients fetch /scan/state after
// the channel is open.
//
// The bus subscription is taken before the upgrade response is written, so
// a client whose dial has returned receives every event published after it.
func (r *Router) eventStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sub := r.bus.Subscribe()
		defer r.bus.Unsubscribe(sub)

		websocket.Server{
			// The status page and CLI clients connect from any origin; there
			// is no ambient credential to protect.
			Handshake: func(*websocket.Config, *http.Request) error { return nil },
			Handler:   func(ws *websocket.Conn) { r.serveEvents(ws, sub) },
		}.ServeHTTP(w, req)
	})
}

func (r *Router) serveEvents(ws *websocket.Conn, sub *event.Subscription) {
	defer ws.Close() //nolint:errcheck

	log := r.logger.With(slog.String("remote", ws.Request().RemoteAddr))
	log.Debug("event stream opened", slog.Int("observers", r.bus.Observers()))

	// Reads only detect the peer going away; clients send nothing.
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()
	go func() {
		defer cancel()
		var discard []byte
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed by client")
			return
		case e, ok := <-sub.Events():
			if !ok {
				log.Debug("event stream evicted")
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := websocket.JSON.Send(ws, e); err != nil {
				log.Debug("event stream write failed", slog.Any("error", err))
				return
			}
		}
	}
}

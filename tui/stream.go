package tui

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/dopejs/keepsync/internal/events"
)

// EventsPath is the daemon's websocket endpoint.
const EventsPath = "/api/v1/events"

// EventsURL turns a daemon address ("127.0.0.1:7790", "http://host:port")
// into the websocket URL of its event stream.
func EventsURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", errors.Wrapf(err, "parse daemon address %q", addr)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Newf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + EventsPath
	return u.String(), nil
}

// Stream is a live subscription to a daemon's events.
type Stream struct {
	conn   *websocket.Conn
	events chan events.Event

	mu  sync.Mutex
	err error
}

// DialEvents connects to the event stream at addr.
func DialEvents(ctx context.Context, addr, token string) (*Stream, error) {
	u, err := EventsURL(addr)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "connect %s: %s", u, resp.Status)
		}
		return nil, errors.Wrapf(err, "connect %s", u)
	}
	s := &Stream{conn: conn, events: make(chan events.Event, 64)}
	go s.read()
	return s, nil
}

func (s *Stream) read() {
	defer close(s.events)
	for {
		var ev events.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
		s.events <- ev
	}
}

// Events yields events until the stream ends.
func (s *Stream) Events() <-chan events.Event { return s.events }

// Err is the reason the stream ended, or nil for a clean close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream.
func (s *Stream) Close() error {
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

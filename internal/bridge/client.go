package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/eventq"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// Link is the page agent end of the bridge. Events posted to it are sent to
// the coordinator; commands received are delivered to the page agent.
type Link struct {
	conn *websocket.Conn
	out  *eventq.Mailbox[protocol.Message]
}

// Dial connects to the bridge at baseURL (http, https, ws or wss).
func Dial(ctx context.Context, baseURL string) (*Link, error) {
	target, err := endpoint(baseURL, "/ws")
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing bridge %s: %w", target, err)
	}
	debug.LogKV("bridge", "linked to coordinator", "url", target)
	return &Link{conn: conn, out: eventq.NewMailbox[protocol.Message](256)}, nil
}

// Post queues an event for the coordinator.
func (l *Link) Post(msg protocol.Message) bool {
	return l.out.Post(msg)
}

// Run pumps messages in both directions until ctx is cancelled or the
// connection fails. Commands are delivered to down.
func (l *Link) Run(parent context.Context, down protocol.Sink) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer l.conn.CloseNow()

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				writeErr <- nil
				return
			case msg := <-l.out.C():
				writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(writeCtx, l.conn, msg)
				writeCancel()
				if err != nil {
					writeErr <- fmt.Errorf("sending %s: %w", msg.Type, err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, l.conn, &msg); err != nil {
			cancel()
			if werr := <-writeErr; werr != nil {
				return werr
			}
			if parent.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("bridge link: %w", err)
		}
		if !protocol.IsCommand(msg.Type) {
			debug.LogKV("bridge", "ignoring non-command from coordinator", "type", msg.Type)
			continue
		}
		if !down.Post(msg) {
			debug.LogKV("bridge", "page agent dropped command", "type", msg.Type)
		}
	}
}

// Close closes the connection.
func (l *Link) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "agent stopped")
}

// WatchStatus streams session records from the bridge to fn until ctx is
// cancelled or the stream ends.
func WatchStatus(ctx context.Context, baseURL string, fn func(store.SessionRecord)) error {
	target, err := endpoint(baseURL, "/ws/status")
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dialing bridge %s: %w", target, err)
	}
	defer conn.CloseNow()
	for {
		var rec store.SessionRecord
		if err := wsjson.Read(ctx, conn, &rec); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("status stream: %w", err)
		}
		fn(rec)
	}
}

// FetchStatus reads the current session record over HTTP.
func FetchStatus(ctx context.Context, baseURL string) (store.SessionRecord, error) {
	var rec store.SessionRecord
	target, err := endpoint(baseURL, "/api/status")
	if err != nil {
		return rec, err
	}
	target = httpScheme(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return rec, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return rec, fmt.Errorf("fetching status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rec, fmt.Errorf("fetching status: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return rec, fmt.Errorf("decoding status: %w", err)
	}
	return rec, nil
}

// Control issues a start, stop or retry request.
func Control(ctx context.Context, baseURL, action string) error {
	switch action {
	case "start", "stop", "retry":
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	target, err := endpoint(baseURL, "/api/"+action)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpScheme(target), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s request: %s", action, e.Error)
		}
		return fmt.Errorf("%s request: %s", action, resp.Status)
	}
	return nil
}

// endpoint resolves path against baseURL as a websocket URL.
func endpoint(baseURL, path string) (string, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return "", fmt.Errorf("bridge url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing bridge url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported bridge url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("bridge url %q has no host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}

func httpScheme(wsURL string) string {
	if rest, ok := strings.CutPrefix(wsURL, "wss://"); ok {
		return "https://" + rest
	}
	if rest, ok := strings.CutPrefix(wsURL, "ws://"); ok {
		return "http://" + rest
	}
	return wsURL
}

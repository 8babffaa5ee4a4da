package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"taskboard/api/internal/realtime"
)

// Listener keeps a websocket session open against /api/ws and feeds
// every pushed envelope into the cache.
type Listener struct {
	url    string
	header http.Header
	cache  *Cache

	mu   sync.Mutex
	conn net.Conn
}

// NewListener prepares a listener for the given ws:// URL. The header
// must carry the session cookie; see API.CookieHeader.
func NewListener(rawURL string, header http.Header, cache *Cache) *Listener {
	return &Listener{url: rawURL, header: header, cache: cache}
}

// Run dials the server and processes events until the connection drops
// or ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(l.header)}
	conn, br, _, err := dialer.Dial(ctx, l.url)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	// The dialer may leave buffered bytes behind the handshake.
	var reader io.Reader = conn
	if br != nil {
		reader = br
	}
	rw := struct {
		io.Reader
		io.Writer
	}{reader, conn}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if op != ws.OpText {
			continue
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		l.cache.HandleEvent(ctx, env)
	}
}

// SubscribeTask asks the server to include this session in task-scoped
// fan-out for the given task.
func (l *Listener) SubscribeTask(taskID string) error {
	return l.send(realtime.EventSubscribeTask, taskID)
}

func (l *Listener) UnsubscribeTask(taskID string) error {
	return l.send(realtime.EventUnsubscribeTask, taskID)
}

func (l *Listener) send(event, taskID string) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	payload, err := json.Marshal(map[string]any{
		"event": event,
		"data":  map[string]string{"taskId": taskID},
	})
	if err != nil {
		return err
	}
	return wsutil.WriteClientText(conn, payload)
}

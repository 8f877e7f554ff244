package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	ErrExtensionUnavailable = errors.New("extension not connected")
	ErrExtensionReplaced    = errors.New("extension replaced by new connection")
	ErrExtensionTimeout     = errors.New("timeout waiting for extension response")
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	heartbeatMaxMisses       = 3
	extWriteTimeout          = 10 * time.Second
)

// extCommand is the envelope the relay writes on the extension socket.
type extCommand struct {
	ID     int64  `json:"id,omitempty"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// forwardParams wraps a CDP command for the extension debugger proxy. The
// session tag identifies the tab in the extension's namespace; client session
// ids never cross this boundary.
type forwardParams struct {
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	SessionTag string          `json:"sessionId,omitempty"`
}

type extResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one command in flight to the extension. Forwarded client
// requests carry routing metadata; direct calls carry a result channel.
type pendingRequest struct {
	clientID  string
	origID    int64
	sessionID string
	method    string
	ch        chan extResult
	timer     *time.Timer
}

// extensionLink owns the single privileged socket from the extension: the
// extension-visible request-id space, the pending-request table, liveness,
// and the replace-on-reconnect policy.
type extensionLink struct {
	log       *slog.Logger
	timeout   time.Duration
	heartbeat time.Duration

	// onResponse delivers a forwarded response back toward the originating
	// client; set by the router before the first connection.
	onResponse func(p pendingRequest, result json.RawMessage, errMsg string)

	mu      sync.Mutex
	conn    wsConn
	nextID  int64
	pending map[int64]pendingRequest
	waiters []chan struct{}
}

func newExtensionLink(log *slog.Logger, timeout, heartbeat time.Duration) *extensionLink {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	return &extensionLink{
		log:       log,
		timeout:   timeout,
		heartbeat: heartbeat,
		pending:   make(map[int64]pendingRequest),
	}
}

func (l *extensionLink) connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// bind makes conn the authoritative extension socket. A previous socket is
// closed and its in-flight requests fail with ErrExtensionReplaced.
func (l *extensionLink) bind(conn wsConn) (replaced bool) {
	l.mu.Lock()
	old := l.conn
	l.conn = conn
	stale := l.takePendingLocked()
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	l.failPending(stale, ErrExtensionReplaced)
	if old != nil {
		_ = old.Close(websocket.StatusPolicyViolation, "replaced by new extension connection")
	}
	for _, ch := range waiters {
		close(ch)
	}
	return old != nil
}

// unbind clears conn if it is still the authoritative socket. Returns false
// when conn was already replaced, in which case no recovery should run.
func (l *extensionLink) unbind(conn wsConn) bool {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return false
	}
	l.conn = nil
	stale := l.takePendingLocked()
	l.mu.Unlock()

	l.failPending(stale, ErrExtensionUnavailable)
	return true
}

func (l *extensionLink) close() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	stale := l.takePendingLocked()
	l.mu.Unlock()

	l.failPending(stale, ErrExtensionUnavailable)
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}

func (l *extensionLink) takePendingLocked() []pendingRequest {
	out := make([]pendingRequest, 0, len(l.pending))
	for id, p := range l.pending {
		p.timer.Stop()
		out = append(out, p)
		delete(l.pending, id)
	}
	return out
}

func (l *extensionLink) failPending(reqs []pendingRequest, cause error) {
	msg := "Extension disconnected"
	if errors.Is(cause, ErrExtensionReplaced) {
		msg = "Extension replaced by new connection"
	}
	for _, p := range reqs {
		if p.ch != nil {
			p.ch <- extResult{err: cause}
			continue
		}
		if l.onResponse != nil {
			l.onResponse(p, nil, msg)
		}
	}
}

// cancelClient drops pending requests that originated from the given client.
// Late responses for them are then discarded by resolve.
func (l *extensionLink) cancelClient(clientID string) {
	l.mu.Lock()
	for id, p := range l.pending {
		if p.ch == nil && p.clientID == clientID {
			p.timer.Stop()
			delete(l.pending, id)
		}
	}
	l.mu.Unlock()
}

// waitConnected blocks until the link is connected, ctx is done, or the grace
// interval elapses. Used by the queue-on-disconnect policy.
func (l *extensionLink) waitConnected(ctx context.Context, grace time.Duration) bool {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// forward sends a client CDP command to the extension and registers the
// routing metadata for the eventual response.
func (l *extensionLink) forward(clientID string, origID int64, sessionID, method string, params json.RawMessage, sessionTag string) error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return ErrExtensionUnavailable
	}
	l.nextID++
	id := l.nextID
	p := pendingRequest{
		clientID:  clientID,
		origID:    origID,
		sessionID: sessionID,
		method:    method,
	}
	p.timer = time.AfterFunc(l.timeout, func() { l.expire(id) })
	l.pending[id] = p
	l.mu.Unlock()

	frame := extCommand{
		ID:     id,
		Method: "forwardCDPCommand",
		Params: forwardParams{Method: method, Params: params, SessionTag: sessionTag},
	}
	if err := l.write(conn, frame); err != nil {
		l.mu.Lock()
		if p, ok := l.pending[id]; ok {
			p.timer.Stop()
			delete(l.pending, id)
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// call sends a non-CDP command (recording control) and waits for the result.
func (l *extensionLink) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return nil, ErrExtensionUnavailable
	}
	l.nextID++
	id := l.nextID
	ch := make(chan extResult, 1)
	p := pendingRequest{method: method, ch: ch}
	p.timer = time.AfterFunc(l.timeout, func() { l.expire(id) })
	l.pending[id] = p
	l.mu.Unlock()

	if err := l.write(conn, extCommand{ID: id, Method: method, Params: params}); err != nil {
		l.mu.Lock()
		if p, ok := l.pending[id]; ok {
			p.timer.Stop()
			delete(l.pending, id)
		}
		l.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		l.mu.Lock()
		if p, ok := l.pending[id]; ok {
			p.timer.Stop()
			delete(l.pending, id)
		}
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify sends a fire-and-forget message to the extension.
func (l *extensionLink) notify(method string, params any) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	if err := l.write(conn, extCommand{Method: method, Params: params}); err != nil {
		l.log.Debug("extension notify failed", "method", method, "err", err)
	}
}

// resolve completes the pending request for an extension response. Unknown
// ids (timed out, canceled, or stale) are discarded.
func (l *extensionLink) resolve(id int64, result json.RawMessage, errMsg string) {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		p.timer.Stop()
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if !ok {
		l.log.Debug("discarding late extension response", "ext_id", id)
		return
	}
	if p.ch != nil {
		if errMsg != "" {
			p.ch <- extResult{err: errors.New(errMsg)}
		} else {
			p.ch <- extResult{result: result}
		}
		return
	}
	if l.onResponse != nil {
		l.onResponse(p, result, errMsg)
	}
}

func (l *extensionLink) expire(id int64) {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	l.log.Warn("extension request timed out", "ext_id", id, "method", p.method)
	if p.ch != nil {
		p.ch <- extResult{err: ErrExtensionTimeout}
		return
	}
	if l.onResponse != nil {
		l.onResponse(p, nil, "Timeout waiting for extension response")
	}
}

func (l *extensionLink) write(conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal extension frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), extWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// heartbeatLoop pings the extension socket on a fixed period and closes it
// after three consecutive missed pongs.
func (l *extensionLink) heartbeatLoop(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			current := l.conn == conn
			l.mu.Unlock()
			if !current {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, l.heartbeat/3)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				misses++
				if misses >= heartbeatMaxMisses {
					l.log.Warn("extension heartbeat lost, closing socket", "misses", misses)
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
					return
				}
				continue
			}
			misses = 0
		}
	}
}

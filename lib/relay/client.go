package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/playscope/relay/lib/cdp"
)

// clientHighWater is the maximum number of bytes allowed to sit in a client's
// outbound queue before the client is dropped as too slow.
const clientHighWater = 16 << 20

// wsConn is the subset of *websocket.Conn the relay uses. Tests substitute
// in-memory pipes.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
}

// client is one open /cdp/<id> socket. Outbound frames go through a single
// writer goroutine so delivery order matches enqueue order.
type client struct {
	id   string
	conn wsConn
	log  *slog.Logger

	writeCh chan []byte
	done    chan struct{}

	mu          sync.Mutex
	queuedBytes int64
	autoAttach  bool
	closed      bool

	closeOnce sync.Once
}

func newClient(id string, conn wsConn, log *slog.Logger) *client {
	return &client{
		id:      id,
		conn:    conn,
		log:     log.With("client", id),
		writeCh: make(chan []byte, 1024),
		done:    make(chan struct{}),
	}
}

// deliver enqueues a text frame for the client. If the outbound queue is over
// the high-water mark the client is dropped rather than throttling the relay.
func (c *client) deliver(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queuedBytes += int64(len(data))
	over := c.queuedBytes > clientHighWater
	c.mu.Unlock()

	if over {
		c.fail(websocket.StatusPolicyViolation, "write buffer overflow")
		return
	}
	select {
	case c.writeCh <- data:
	case <-c.done:
	default:
		// queue full: the byte high-water mark did not trip first, but the
		// client is still not draining
		c.fail(websocket.StatusPolicyViolation, "write queue overflow")
	}
}

// deliverMessage marshals and enqueues a CDP envelope.
func (c *client) deliverMessage(m *cdp.Message) {
	data, err := m.Marshal()
	if err != nil {
		c.log.Error("marshal outbound envelope", "err", err)
		return
	}
	c.deliver(data)
}

// fail closes the socket and marks the client dead. Registry cleanup happens
// in the read loop's defer.
func (c *client) fail(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.writeCh:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.fail(websocket.StatusNormalClosure, "")
				return
			}
			c.mu.Lock()
			c.queuedBytes -= int64(len(data))
			c.mu.Unlock()
		}
	}
}

// drain waits for the outbound queue to flush, bounded by timeout. Used
// before an orderly close so final lifecycle events reach the wire.
func (c *client) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		empty := c.queuedBytes == 0
		c.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *client) setAutoAttach(v bool) {
	c.mu.Lock()
	c.autoAttach = v
	c.mu.Unlock()
}

func (c *client) autoAttaching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoAttach
}

// clientRegistry tracks all connected CDP clients.
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[string]*client)}
}

func (r *clientRegistry) add(c *client) {
	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
}

func (r *clientRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

func (r *clientRegistry) get(id string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *clientRegistry) list() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

package extproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/playscope/relay/lib/relay"
)

type debuggerCall struct {
	tabID  int64
	method string
	params json.RawMessage
}

type fakeDebugger struct {
	mu       sync.Mutex
	calls    []debuggerCall
	result   json.RawMessage
	err      error
	detached []int64
}

func (d *fakeDebugger) SendCommand(ctx context.Context, tabID int64, method string, params json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, debuggerCall{tabID: tabID, method: method, params: params})
	if d.err != nil {
		return nil, d.err
	}
	if d.result != nil {
		return d.result, nil
	}
	return json.RawMessage(`{}`), nil
}

func (d *fakeDebugger) Detach(ctx context.Context, tabID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detached = append(d.detached, tabID)
	return nil
}

func (d *fakeDebugger) lastCall() (debuggerCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return debuggerCall{}, false
	}
	return d.calls[len(d.calls)-1], true
}

// fakeRecorder emits its canned chunks on Stop.
type fakeRecorder struct {
	chunks [][]byte

	mu     sync.Mutex
	sinks  map[int64]ChunkSink
	active map[int64]bool
}

func newFakeRecorder(chunks ...[]byte) *fakeRecorder {
	return &fakeRecorder{
		chunks: chunks,
		sinks:  make(map[int64]ChunkSink),
		active: make(map[int64]bool),
	}
}

func (r *fakeRecorder) Start(ctx context.Context, tabID int64, sink ChunkSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[tabID] {
		return fmt.Errorf("tab %d already recording", tabID)
	}
	r.active[tabID] = true
	r.sinks[tabID] = sink
	return nil
}

func (r *fakeRecorder) Stop(ctx context.Context, tabID int64) error {
	r.mu.Lock()
	sink := r.sinks[tabID]
	active := r.active[tabID]
	delete(r.sinks, tabID)
	delete(r.active, tabID)
	r.mu.Unlock()
	if !active {
		return fmt.Errorf("tab %d is not recording", tabID)
	}
	for _, chunk := range r.chunks {
		if err := sink.PushChunk(tabID, chunk); err != nil {
			return err
		}
	}
	return sink.FinishRecording(tabID)
}

func (r *fakeRecorder) Cancel(ctx context.Context, tabID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, tabID)
	delete(r.active, tabID)
	return nil
}

func (r *fakeRecorder) Active(tabID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[tabID]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveTab(t *testing.T) {
	p := New("http://127.0.0.1:1", "", &fakeDebugger{}, nil, discardLogger())
	p.tabs[42] = tabInfo{url: "https://example.com"}

	id, ok := p.resolveTab("tab_42")
	require.True(t, ok)
	require.EqualValues(t, 42, id)

	_, ok = p.resolveTab("tab_99")
	require.False(t, ok)
	_, ok = p.resolveTab("bogus")
	require.False(t, ok)

	// Empty tag targets the sole attached tab.
	id, ok = p.resolveTab("")
	require.True(t, ok)
	require.EqualValues(t, 42, id)

	delete(p.tabs, 42)
	_, ok = p.resolveTab("")
	require.False(t, ok)
}

func startStack(t *testing.T, dbg Debugger, rec Recorder) (*relay.Relay, *httptest.Server, *Proxy) {
	t.Helper()
	rly := relay.New(relay.Config{}, discardLogger())
	srv := httptest.NewServer(rly.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	p := New(srv.URL, "", dbg, rec, discardLogger())
	go func() { _ = p.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		rly.Shutdown()
		srv.Close()
	})

	require.Eventually(t, rly.ExtensionConnected, 5*time.Second, 10*time.Millisecond)
	return rly, srv, p
}

func waitTargets(t *testing.T, srv *httptest.Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/extension/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status struct {
			Targets []json.RawMessage `json:"targets"`
		}
		if json.NewDecoder(resp.Body).Decode(&status) != nil {
			return false
		}
		return len(status.Targets) == n
	}, 5*time.Second, 10*time.Millisecond)
}

// cdpClient is a minimal CDP websocket client for driving the stack.
type cdpClient struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
	in   chan map[string]any
	buf  []map[string]any
}

func dialCDP(t *testing.T, srv *httptest.Server) *cdpClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/cdp/test"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	c := &cdpClient{t: t, ctx: ctx, conn: conn, in: make(chan map[string]any, 64)}
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				close(c.in)
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				c.in <- m
			}
		}
	}()
	return c
}

func (c *cdpClient) send(format string, args ...any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Write(c.ctx, websocket.MessageText, fmt.Appendf(nil, format, args...)))
}

func (c *cdpClient) waitFor(pred func(m map[string]any) bool) map[string]any {
	c.t.Helper()
	for i, m := range c.buf {
		if pred(m) {
			c.buf = append(c.buf[:i:i], c.buf[i+1:]...)
			return m
		}
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-c.in:
			if !ok {
				c.t.Fatal("cdp socket closed")
			}
			if pred(m) {
				return m
			}
			c.buf = append(c.buf, m)
		case <-deadline:
			c.t.Fatal("timed out waiting for cdp message")
		}
	}
}

func (c *cdpClient) waitID(id float64) map[string]any {
	return c.waitFor(func(m map[string]any) bool { return m["id"] == id })
}

func (c *cdpClient) waitEvent(method string) map[string]any {
	return c.waitFor(func(m map[string]any) bool { return m["method"] == method })
}

func TestProxyCommandRoundTrip(t *testing.T) {
	dbg := &fakeDebugger{result: json.RawMessage(`{"frameId":"f1"}`)}
	_, srv, p := startStack(t, dbg, nil)

	p.AttachTab(42, "https://example.com", "Example")
	waitTargets(t, srv, 1)

	client := dialCDP(t, srv)
	client.send(`{"id":1,"method":"Target.setAutoAttach","params":{"autoAttach":true,"flatten":true}}`)
	client.waitID(1)
	attached := client.waitEvent("Target.attachedToTarget")
	sessionID := attached["params"].(map[string]any)["sessionId"].(string)

	client.send(`{"id":2,"method":"Page.navigate","params":{"url":"https://next.example"},"sessionId":%q}`, sessionID)
	reply := client.waitID(2)
	require.Nil(t, reply["error"])
	require.Equal(t, "f1", reply["result"].(map[string]any)["frameId"])

	call, ok := dbg.lastCall()
	require.True(t, ok)
	require.EqualValues(t, 42, call.tabID)
	require.Equal(t, "Page.navigate", call.method)
	require.JSONEq(t, `{"url":"https://next.example"}`, string(call.params))
}

func TestProxyDebuggerErrorPropagates(t *testing.T) {
	dbg := &fakeDebugger{err: fmt.Errorf("tab crashed")}
	_, srv, p := startStack(t, dbg, nil)

	p.AttachTab(42, "https://example.com", "Example")
	waitTargets(t, srv, 1)

	client := dialCDP(t, srv)
	client.send(`{"id":1,"method":"Target.setAutoAttach","params":{"autoAttach":true,"flatten":true}}`)
	client.waitID(1)
	attached := client.waitEvent("Target.attachedToTarget")
	sessionID := attached["params"].(map[string]any)["sessionId"].(string)

	client.send(`{"id":2,"method":"Page.enable","sessionId":%q}`, sessionID)
	reply := client.waitID(2)
	errObj := reply["error"].(map[string]any)
	require.Equal(t, "tab crashed", errObj["message"])
}

func TestProxyLifecycleEvents(t *testing.T) {
	dbg := &fakeDebugger{}
	_, srv, p := startStack(t, dbg, nil)

	p.AttachTab(42, "https://a.example", "A")
	waitTargets(t, srv, 1)

	client := dialCDP(t, srv)
	client.send(`{"id":1,"method":"Target.setAutoAttach","params":{"autoAttach":true,"flatten":true}}`)
	client.waitID(1)
	attached := client.waitEvent("Target.attachedToTarget")
	targetID := attached["params"].(map[string]any)["targetInfo"].(map[string]any)["targetId"].(string)

	p.NavigateTab(42, "https://b.example", "B")
	changed := client.waitEvent("Target.targetInfoChanged")
	info := changed["params"].(map[string]any)["targetInfo"].(map[string]any)
	require.Equal(t, targetID, info["targetId"])
	require.Equal(t, "https://b.example", info["url"])

	// A debugger event flows through with the client's session id.
	p.EmitEvent(42, "Page.loadEventFired", json.RawMessage(`{"timestamp":2}`))
	ev := client.waitEvent("Page.loadEventFired")
	require.Equal(t, attached["params"].(map[string]any)["sessionId"], ev["sessionId"])

	p.DetachTab(42, "tab closed")
	destroyed := client.waitEvent("Target.targetDestroyed")
	require.Equal(t, targetID, destroyed["params"].(map[string]any)["targetId"])
}

func TestProxyRecordingEndToEnd(t *testing.T) {
	rec := newFakeRecorder([]byte("AAAA;"), []byte("BBBB"))
	_, srv, p := startStack(t, &fakeDebugger{}, rec)

	p.AttachTab(42, "https://example.com", "Example")
	waitTargets(t, srv, 1)

	out := filepath.Join(t.TempDir(), "run.webm")
	body, _ := json.Marshal(map[string]string{"outputPath": out})
	resp, err := http.Post(srv.URL+"/recording/start", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	var started map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	require.Equal(t, true, started["success"], "start failed: %v", started["error"])
	require.True(t, rec.Active(42))

	resp, err = http.Post(srv.URL+"/recording/stop", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	var stopped map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stopped))
	resp.Body.Close()
	require.Equal(t, true, stopped["success"], "stop failed: %v", stopped["error"])
	require.Equal(t, out, stopped["path"])

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, []byte("AAAA;BBBB"), data)
	require.False(t, rec.Active(42))
}

func TestProxyDetachFromTabHint(t *testing.T) {
	dbg := &fakeDebugger{}
	_, srv, p := startStack(t, dbg, nil)

	p.AttachTab(42, "https://example.com", "Example")
	waitTargets(t, srv, 1)

	client := dialCDP(t, srv)
	client.send(`{"id":1,"method":"Target.setAutoAttach","params":{"autoAttach":true,"flatten":true}}`)
	client.waitID(1)
	client.waitEvent("Target.attachedToTarget")

	// Last observer leaving triggers a release hint; the proxy detaches the
	// debugger from the now-unwatched tab.
	client.conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		dbg.mu.Lock()
		defer dbg.mu.Unlock()
		return len(dbg.detached) == 1 && dbg.detached[0] == 42
	}, 5*time.Second, 10*time.Millisecond)
}

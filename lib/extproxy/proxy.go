// Package extproxy is the extension side of the relay protocol: it owns the
// debugger surface, translates forwarded CDP envelopes into debugger
// commands, pushes debugger events and tab lifecycle upward, and uploads
// recording chunks over the same socket.
//
// In the shipped extension this logic runs against chrome.debugger; the
// Debugger interface keeps the dispatch path identical for the in-process
// backend used by tests.
package extproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
)

var ErrNotConnected = errors.New("relay not connected")

const reconnectProbeInterval = 1 * time.Second

// Debugger abstracts the browser's per-tab debugger binding.
type Debugger interface {
	// SendCommand dispatches one CDP command to the tab and returns its result.
	SendCommand(ctx context.Context, tabID int64, method string, params json.RawMessage) (json.RawMessage, error)
	// Detach releases the debugger from the tab.
	Detach(ctx context.Context, tabID int64) error
}

// ChunkSink receives encoded video chunks from a Recorder. The Proxy is the
// canonical sink: each chunk becomes a metadata label plus one binary frame.
type ChunkSink interface {
	PushChunk(tabID int64, chunk []byte) error
	FinishRecording(tabID int64) error
}

// Recorder captures a tab's video. Implementations feed chunks to the sink
// as they are produced and must call FinishRecording exactly once per
// recording, after Stop.
type Recorder interface {
	Start(ctx context.Context, tabID int64, sink ChunkSink) error
	Stop(ctx context.Context, tabID int64) error
	Cancel(ctx context.Context, tabID int64) error
	Active(tabID int64) bool
}

type tabInfo struct {
	url   string
	title string
}

// Proxy maintains the /extension socket toward the relay, reconnecting
// through the relay's reachability probe whenever the socket drops. During an
// outage no events are emitted; the relay takes a fresh snapshot from the
// tabAttached announcements sent on reconnect.
type Proxy struct {
	relayURL string // http(s) base, e.g. http://127.0.0.1:19988
	token    string
	dbg      Debugger
	rec      Recorder
	log      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	tabs map[int64]tabInfo

	// writeMu serializes outbound frames so a recording metadata label and
	// its binary chunk are never split by another writer.
	writeMu sync.Mutex
}

func New(relayURL, token string, dbg Debugger, rec Recorder, log *slog.Logger) *Proxy {
	return &Proxy{
		relayURL: strings.TrimSuffix(relayURL, "/"),
		token:    token,
		dbg:      dbg,
		rec:      rec,
		log:      log,
		tabs:     make(map[int64]tabInfo),
	}
}

// Run connects to the relay and serves it until ctx is done, reconnecting on
// socket loss.
func (p *Proxy) Run(ctx context.Context) error {
	for {
		if err := p.waitReachable(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("relay unreachable, still probing", "err", err)
			continue
		}
		conn, err := p.dial(ctx)
		if err != nil {
			p.log.Warn("relay dial failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectProbeInterval):
			}
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		p.log.Info("connected to relay", "url", p.relayURL)
		p.announceTabs()

		p.readLoop(ctx, conn)

		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			p.log.Warn("relay connection lost, reconnecting")
		}
	}
}

// waitReachable polls the relay's reachability probe (HEAD /) once a second
// until it answers.
func (p *Proxy) waitReachable(ctx context.Context) error {
	client := &http.Client{Timeout: 2 * time.Second}
	return retry.New(
		retry.Attempts(60),
		retry.Delay(reconnectProbeInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.relayURL+"/", nil)
		if err != nil {
			return err
		}
		if p.token != "" {
			req.Header.Set("x-relay-token", p.token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("relay probe returned %d", resp.StatusCode)
		}
		return nil
	})
}

func (p *Proxy) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(p.relayURL, "http", "ws", 1) + "/extension"
	if p.token != "" {
		wsURL += "?token=" + p.token
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(100 * 1024 * 1024)
	return conn, nil
}

// AttachTab records a tab as debugger-attached (the user toggled the
// extension on it) and announces it to the relay.
func (p *Proxy) AttachTab(tabID int64, url, title string) {
	p.mu.Lock()
	p.tabs[tabID] = tabInfo{url: url, title: title}
	p.mu.Unlock()
	p.send(extEnvelope{Method: "tabAttached", Params: mustMarshal(map[string]any{
		"tabId": tabID, "url": url, "title": title,
	})})
}

// NavigateTab updates a tab's location and announces the navigation.
func (p *Proxy) NavigateTab(tabID int64, url, title string) {
	p.mu.Lock()
	if _, ok := p.tabs[tabID]; !ok {
		p.mu.Unlock()
		return
	}
	p.tabs[tabID] = tabInfo{url: url, title: title}
	p.mu.Unlock()
	p.send(extEnvelope{Method: "tabNavigated", Params: mustMarshal(map[string]any{
		"tabId": tabID, "url": url, "title": title,
	})})
}

// DetachTab drops a tab (closed, or detached by the user) and announces it.
func (p *Proxy) DetachTab(tabID int64, reason string) {
	p.mu.Lock()
	_, ok := p.tabs[tabID]
	delete(p.tabs, tabID)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.send(extEnvelope{Method: "tabDetached", Params: mustMarshal(map[string]any{
		"tabId": tabID, "reason": reason,
	})})
}

// EmitEvent forwards a debugger event from the browser to the relay, tagged
// with its origin tab.
func (p *Proxy) EmitEvent(tabID int64, method string, params json.RawMessage) {
	p.send(extEnvelope{Method: "forwardCDPEvent", Params: mustMarshal(map[string]any{
		"tabId": tabID, "method": method, "params": params,
	})})
}

// announceTabs replays the attached-tab set after a (re)connection.
func (p *Proxy) announceTabs() {
	p.mu.Lock()
	tabs := make(map[int64]tabInfo, len(p.tabs))
	for id, t := range p.tabs {
		tabs[id] = t
	}
	p.mu.Unlock()
	for id, t := range tabs {
		p.send(extEnvelope{Method: "tabAttached", Params: mustMarshal(map[string]any{
			"tabId": id, "url": t.url, "title": t.title,
		})})
	}
}

// PushChunk implements ChunkSink: a metadata label, then the binary frame.
func (p *Proxy) PushChunk(tabID int64, chunk []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	meta, err := json.Marshal(extEnvelope{Method: "recordingData", Params: mustMarshal(map[string]any{
		"tabId": tabID, "final": false,
	})})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, meta); err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, chunk)
}

// FinishRecording implements ChunkSink: the final metadata label with no
// chunk following.
func (p *Proxy) FinishRecording(tabID int64) error {
	return p.send(extEnvelope{Method: "recordingData", Params: mustMarshal(map[string]any{
		"tabId": tabID, "final": true,
	})})
}

func (p *Proxy) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var env extEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.log.Warn("malformed relay frame", "err", err)
			continue
		}
		// Commands run concurrently; debugger calls can take a while and the
		// relay orders responses itself.
		go p.dispatch(ctx, env)
	}
}

func (p *Proxy) dispatch(ctx context.Context, env extEnvelope) {
	switch env.Method {
	case "forwardCDPCommand":
		p.handleForwardCommand(ctx, env)
	case "startRecording", "stopRecording", "isRecording", "cancelRecording":
		p.handleRecordingCommand(ctx, env)
	case "detachFromTab":
		var params struct {
			TabID int64 `json:"tabId"`
		}
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return
		}
		if err := p.dbg.Detach(ctx, params.TabID); err != nil {
			p.log.Warn("detach failed", "tab", params.TabID, "err", err)
		}
		p.DetachTab(params.TabID, "released by relay")
	default:
		if env.ID != 0 {
			p.reply(env.ID, nil, fmt.Sprintf("unknown method %q", env.Method))
		}
	}
}

func (p *Proxy) handleForwardCommand(ctx context.Context, env extEnvelope) {
	var params struct {
		Method     string          `json:"method"`
		Params     json.RawMessage `json:"params"`
		SessionTag string          `json:"sessionId"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		p.reply(env.ID, nil, "malformed forwardCDPCommand params")
		return
	}

	tabID, ok := p.resolveTab(params.SessionTag)
	if !ok {
		p.reply(env.ID, nil, "no attached tab for session tag "+strconv.Quote(params.SessionTag))
		return
	}

	result, err := p.dbg.SendCommand(ctx, tabID, params.Method, params.Params)
	if err != nil {
		p.reply(env.ID, nil, err.Error())
		return
	}
	p.reply(env.ID, result, "")
}

// resolveTab translates the relay's flat session tag ("tab_<id>") into a tab.
// An empty tag targets the first attached tab, matching the relay's
// browser-level command convention.
func (p *Proxy) resolveTab(tag string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tag == "" {
		for id := range p.tabs {
			return id, true
		}
		return 0, false
	}
	raw, ok := strings.CutPrefix(tag, "tab_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	if _, attached := p.tabs[id]; !attached {
		return 0, false
	}
	return id, true
}

func (p *Proxy) handleRecordingCommand(ctx context.Context, env extEnvelope) {
	if p.rec == nil {
		p.reply(env.ID, nil, "recording not supported")
		return
	}
	var params struct {
		TabID int64 `json:"tabId"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		p.reply(env.ID, nil, "malformed recording params")
		return
	}

	var err error
	switch env.Method {
	case "startRecording":
		err = p.rec.Start(ctx, params.TabID, p)
	case "stopRecording":
		err = p.rec.Stop(ctx, params.TabID)
	case "cancelRecording":
		err = p.rec.Cancel(ctx, params.TabID)
	case "isRecording":
		p.reply(env.ID, mustMarshal(map[string]bool{"recording": p.rec.Active(params.TabID)}), "")
		return
	}
	if err != nil {
		p.reply(env.ID, nil, err.Error())
		return
	}
	p.reply(env.ID, mustMarshal(map[string]bool{"success": true}), "")
}

// extEnvelope mirrors the relay's extension wire format.
type extEnvelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (p *Proxy) reply(id int64, result json.RawMessage, errMsg string) {
	if id == 0 {
		return
	}
	p.send(extEnvelope{ID: id, Result: result, Error: errMsg})
}

func (p *Proxy) send(env extEnvelope) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/playscope/relay/lib/cdp"
)

// session is the binding between one client and one target. The client sees
// only the relay-minted session id; the extension sees only the tab tag.
type session struct {
	id       string
	clientID string
	targetID string
	tabID    int64
}

// extEnvelope is what arrives on the extension socket: either a response to a
// pending command or a notification.
type extEnvelope struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// forwardedEvent is the payload of a forwardCDPEvent notification.
type forwardedEvent struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	TabID  int64           `json:"tabId"`
}

type tabLifecycle struct {
	TabID  int64  `json:"tabId"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// IdlePolicy selects what happens to client commands while no extension is
// connected.
type IdlePolicy int

const (
	// IdleReject fails commands (and new client sockets) immediately.
	IdleReject IdlePolicy = iota
	// IdleWait holds commands for up to the grace interval.
	IdleWait
)

// router joins the wire codec, client registry, extension link, and target
// manager. It owns the session table and is the only component that rewrites
// ids and session ids.
type router struct {
	log     *slog.Logger
	clients *clientRegistry
	ext     *extensionLink
	targets *targetManager
	rec     *recordingManager

	idlePolicy IdlePolicy
	idleGrace  time.Duration

	mu         sync.Mutex
	sessions   map[string]*session
	sessionSeq int64
}

func newRouter(log *slog.Logger, clients *clientRegistry, ext *extensionLink, targets *targetManager) *router {
	rt := &router{
		log:      log,
		clients:  clients,
		ext:      ext,
		targets:  targets,
		sessions: make(map[string]*session),
	}
	ext.onResponse = rt.deliverResponse
	return rt
}

func sessionTag(tabID int64) string {
	return "tab_" + strconv.FormatInt(tabID, 10)
}

// mintSession creates a new session for (client, target). Session ids are
// monotonic and never reused within the process lifetime.
func (rt *router) mintSession(clientID string, targetID string, tabID int64) *session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sessionSeq++
	s := &session{
		id:       "s" + strconv.FormatInt(rt.sessionSeq, 10),
		clientID: clientID,
		targetID: targetID,
		tabID:    tabID,
	}
	rt.sessions[s.id] = s
	return s
}

func (rt *router) lookupSession(id string) (*session, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.sessions[id]
	return s, ok
}

// sessionsForTarget returns the sessions currently bound to a target.
func (rt *router) sessionsForTarget(targetID string) []*session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []*session
	for _, s := range rt.sessions {
		if s.targetID == targetID {
			out = append(out, s)
		}
	}
	return out
}

func (rt *router) clientHasSession(clientID, targetID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, s := range rt.sessions {
		if s.clientID == clientID && s.targetID == targetID {
			return true
		}
	}
	return false
}

func (rt *router) removeSession(id string) (*session, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.sessions[id]
	if ok {
		delete(rt.sessions, id)
	}
	return s, ok
}

// resolveTab maps a client-visible session id to the underlying tab. An empty
// session id means "first connected tab" (recording convention).
func (rt *router) resolveTab(sessionID string) (int64, bool) {
	if sessionID == "" {
		return rt.targets.firstAttachedTab()
	}
	s, ok := rt.lookupSession(sessionID)
	if !ok {
		return 0, false
	}
	return s.tabID, true
}

// ---- direction 1: client → extension ----

// handleClientFrame processes one text frame from a CDP client. A returned
// error means the frame was malformed and the socket should be closed with a
// protocol-error status.
func (rt *router) handleClientFrame(ctx context.Context, c *client, data []byte) error {
	m, err := cdp.Unmarshal(data)
	if err != nil {
		return err
	}
	if !m.IsRequest() {
		// CDP clients only send commands; anything else is a protocol error.
		return fmt.Errorf("%w: expected a command", cdp.ErrMalformed)
	}

	if rt.handleIntercepted(c, m) {
		return nil
	}
	rt.forwardToExtension(ctx, c, m)
	return nil
}

// forwardToExtension rewrites the envelope into the extension's namespace and
// registers the pending response.
func (rt *router) forwardToExtension(ctx context.Context, c *client, m *cdp.Message) {
	var tag string
	if m.SessionID != "" {
		s, ok := rt.lookupSession(m.SessionID)
		if !ok || s.clientID != c.id {
			c.deliverMessage(cdp.NewError(m.ID, m.SessionID, cdp.CodeSessionError, "No session with given id"))
			return
		}
		tag = sessionTag(s.tabID)
	}

	err := rt.ext.forward(c.id, m.ID, m.SessionID, m.Method, m.Params, tag)
	if errors.Is(err, ErrExtensionUnavailable) && rt.idlePolicy == IdleWait {
		// Hold the command for one grace interval. Ordering during an outage
		// is best effort; the extension takes a fresh snapshot on reconnect.
		msg := *m
		go func() {
			if rt.ext.waitConnected(ctx, rt.idleGrace) {
				if rt.ext.forward(c.id, msg.ID, msg.SessionID, msg.Method, msg.Params, tag) == nil {
					return
				}
			}
			c.deliverMessage(cdp.NewError(msg.ID, msg.SessionID, cdp.CodeServerError, "Extension not connected"))
		}()
		return
	}
	if err != nil {
		c.deliverMessage(cdp.NewError(m.ID, m.SessionID, cdp.CodeServerError, "Extension not connected"))
	}
}

// deliverResponse routes an extension response (or failure synthesized by the
// link) back to the originating client with its original request id.
func (rt *router) deliverResponse(p pendingRequest, result json.RawMessage, errMsg string) {
	c, ok := rt.clients.get(p.clientID)
	if !ok {
		// Client disconnected while the request was in flight.
		return
	}
	if errMsg != "" {
		code := cdp.CodeServerError
		if errMsg == "Extension replaced by new connection" {
			code = cdp.CodeExtensionReplaced
		}
		c.deliverMessage(cdp.NewError(p.origID, p.sessionID, code, errMsg))
		return
	}
	msg, err := cdp.NewResult(p.origID, p.sessionID, result)
	if err != nil {
		rt.log.Error("build response", "err", err)
		return
	}
	c.deliverMessage(msg)
}

// ---- direction 2: extension → clients ----

// handleExtensionFrame processes one text frame from the extension socket.
func (rt *router) handleExtensionFrame(data []byte) {
	var env extEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		rt.log.Warn("malformed extension frame", "err", err)
		return
	}

	if env.ID != 0 {
		rt.ext.resolve(env.ID, env.Result, env.Error)
		return
	}

	switch env.Method {
	case "forwardCDPEvent":
		var ev forwardedEvent
		if err := json.Unmarshal(env.Params, &ev); err != nil {
			rt.log.Warn("malformed forwarded event", "err", err)
			return
		}
		rt.fanOut(ev.TabID, ev.Method, ev.Params)
	case "tabAttached":
		var p tabLifecycle
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return
		}
		rt.onTabAttached(p.TabID, p.URL, p.Title)
	case "tabNavigated":
		var p tabLifecycle
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return
		}
		rt.onTabNavigated(p.TabID, p.URL, p.Title)
	case "tabDetached":
		var p tabLifecycle
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return
		}
		rt.onTabDetached(p.TabID)
	case "recordingData":
		var p recordingMetadata
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return
		}
		rt.rec.handleMetadata(p.TabID, p.Final)
	default:
		rt.log.Debug("unknown extension notification", "method", env.Method)
	}
}

// fanOut delivers a CDP event to every client session attached to the tab's
// target, rewriting the session id into each client's namespace.
func (rt *router) fanOut(tabID int64, method string, params json.RawMessage) {
	info, ok := rt.targets.byTabID(tabID)
	if !ok {
		rt.log.Debug("event for unknown tab", "tab", tabID, "method", method)
		return
	}
	for _, s := range rt.sessionsForTarget(info.TargetID) {
		c, ok := rt.clients.get(s.clientID)
		if !ok {
			continue
		}
		c.deliverMessage(&cdp.Message{Method: method, Params: params, SessionID: s.id})
	}
}

// ---- direction 3: target lifecycle injection ----

func (rt *router) onTabAttached(tabID int64, url, title string) {
	info, reused := rt.targets.attach(tabID, url, title)
	rt.log.Info("tab attached", "tab", tabID, "target", info.TargetID, "url", url, "reused", reused)

	created, err := cdp.NewEvent("Target.targetCreated", "", map[string]any{"targetInfo": info})
	if err != nil {
		return
	}
	for _, c := range rt.clients.list() {
		c.deliverMessage(created)
		if c.autoAttaching() && !rt.clientHasSession(c.id, info.TargetID) {
			rt.announceAttached(c, info, tabID)
		}
	}
}

// announceAttached mints a session for (client, target) and emits the
// synthesized Target.attachedToTarget.
func (rt *router) announceAttached(c *client, info TargetInfo, tabID int64) *session {
	s := rt.mintSession(c.id, info.TargetID, tabID)
	ev, err := cdp.NewEvent("Target.attachedToTarget", "", map[string]any{
		"sessionId":          s.id,
		"targetInfo":         info,
		"waitingForDebugger": false,
	})
	if err != nil {
		return s
	}
	c.deliverMessage(ev)
	return s
}

func (rt *router) onTabNavigated(tabID int64, url, title string) {
	info, ok := rt.targets.navigate(tabID, url, title)
	if !ok {
		return
	}
	ev, err := cdp.NewEvent("Target.targetInfoChanged", "", map[string]any{"targetInfo": info})
	if err != nil {
		return
	}
	for _, c := range rt.clients.list() {
		c.deliverMessage(ev)
	}
}

func (rt *router) onTabDetached(tabID int64) {
	info, ok := rt.targets.detach(tabID)
	if !ok {
		return
	}
	rt.log.Info("tab detached", "tab", tabID, "target", info.TargetID)
	rt.destroyTarget(info)
}

// destroyTarget reaps every session on the target, telling each owning client,
// then announces the target's destruction.
func (rt *router) destroyTarget(info TargetInfo) {
	for _, s := range rt.sessionsForTarget(info.TargetID) {
		rt.removeSession(s.id)
		if c, ok := rt.clients.get(s.clientID); ok {
			if ev, err := cdp.NewEvent("Target.detachedFromTarget", "", map[string]any{
				"sessionId": s.id,
				"targetId":  info.TargetID,
			}); err == nil {
				c.deliverMessage(ev)
			}
		}
	}
	destroyed, err := cdp.NewEvent("Target.targetDestroyed", "", map[string]any{"targetId": info.TargetID})
	if err != nil {
		return
	}
	for _, c := range rt.clients.list() {
		c.deliverMessage(destroyed)
	}
}

// onExtensionDisconnect freezes all targets and tells every client its
// sessions are gone. Pending requests were already failed by the link.
func (rt *router) onExtensionDisconnect() {
	rt.log.Warn("extension disconnected")
	for _, info := range rt.targets.freezeAll() {
		rt.destroyTarget(info)
	}
	rt.rec.failAll("Extension disconnected")
}

// onClientClosed reaps a departed client's sessions and, when a target has no
// remaining observers, hints the extension to release the debugger.
func (rt *router) onClientClosed(c *client) {
	rt.ext.cancelClient(c.id)

	rt.mu.Lock()
	var owned []*session
	for id, s := range rt.sessions {
		if s.clientID == c.id {
			owned = append(owned, s)
			delete(rt.sessions, id)
		}
	}
	orphaned := make(map[int64]bool)
	for _, s := range owned {
		orphaned[s.tabID] = true
	}
	for _, s := range rt.sessions {
		delete(orphaned, s.tabID)
	}
	rt.mu.Unlock()

	for tabID := range orphaned {
		rt.ext.notify("detachFromTab", map[string]int64{"tabId": tabID})
	}
}

// shutdown announces destruction of every target to every client and closes
// their sockets.
func (rt *router) shutdown() {
	for _, info := range rt.targets.snapshot() {
		rt.destroyTarget(info)
	}
	for _, c := range rt.clients.list() {
		c.drain(time.Second)
		c.fail(websocket.StatusGoingAway, "relay shutting down")
	}
}

package relay

import (
	"encoding/json"

	"github.com/playscope/relay/lib/cdp"
)

// The intercepted-method table. These commands are answered locally because
// chrome.debugger cannot express them; everything else is forwarded verbatim.
// Adding a method here changes wire semantics, so the set is fixed.
var interceptedMethods = map[string]bool{
	"Target.setAutoAttach":        true,
	"Target.setDiscoverTargets":   true,
	"Target.getTargets":           true,
	"Target.getTargetInfo":        true,
	"Target.attachToTarget":       true,
	"Target.detachFromTarget":     true,
	"Browser.getVersion":          true,
	"Browser.close":               true,
	"Browser.setDownloadBehavior": true,
}

// handleIntercepted answers a command locally when it is in the table.
// The response is always delivered before any events it triggers; Playwright
// expects the result ahead of the attachment stream.
func (rt *router) handleIntercepted(c *client, m *cdp.Message) bool {
	if !interceptedMethods[m.Method] {
		return false
	}

	switch m.Method {
	case "Target.setAutoAttach":
		rt.setAutoAttach(c, m)
	case "Target.setDiscoverTargets":
		rt.setDiscoverTargets(c, m)
	case "Target.getTargets":
		rt.respond(c, m, map[string]any{"targetInfos": rt.targets.snapshot()})
	case "Target.getTargetInfo":
		rt.getTargetInfo(c, m)
	case "Target.attachToTarget":
		rt.attachToTarget(c, m)
	case "Target.detachFromTarget":
		rt.detachFromTarget(c, m)
	case "Browser.getVersion":
		rt.respond(c, m, map[string]string{
			"protocolVersion": "1.3",
			"product":         "Chrome/PlayscopeRelay",
			"revision":        "1",
			"userAgent":       "PlayscopeRelay/" + Version,
			"jsVersion":       "V8",
		})
	case "Browser.close", "Browser.setDownloadBehavior":
		rt.respond(c, m, nil)
	}
	return true
}

func (rt *router) respond(c *client, m *cdp.Message, result any) {
	msg, err := cdp.NewResult(m.ID, m.SessionID, result)
	if err != nil {
		rt.log.Error("build local response", "method", m.Method, "err", err)
		return
	}
	c.deliverMessage(msg)
}

func (rt *router) respondError(c *client, m *cdp.Message, code int, text string) {
	c.deliverMessage(cdp.NewError(m.ID, m.SessionID, code, text))
}

func (rt *router) setAutoAttach(c *client, m *cdp.Message) {
	var params struct {
		AutoAttach bool `json:"autoAttach"`
		Flatten    bool `json:"flatten"`
	}
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &params); err != nil {
			rt.respondError(c, m, cdp.CodeInvalidParams, "invalid Target.setAutoAttach params")
			return
		}
	}
	if params.AutoAttach && !params.Flatten {
		rt.respondError(c, m, cdp.CodeInvalidParams, "only flatten protocol mode is supported")
		return
	}
	if m.SessionID != "" {
		// Session-scoped auto-attach governs sub-targets, which the extension
		// never surfaces; acknowledge and move on.
		rt.respond(c, m, nil)
		return
	}

	c.setAutoAttach(params.AutoAttach)
	rt.respond(c, m, nil)

	if params.AutoAttach {
		for _, info := range rt.targets.snapshot() {
			if rt.clientHasSession(c.id, info.TargetID) {
				continue
			}
			_, tabID, ok := rt.targets.byTargetID(info.TargetID)
			if !ok {
				continue
			}
			rt.announceAttached(c, info, tabID)
		}
	}
}

func (rt *router) setDiscoverTargets(c *client, m *cdp.Message) {
	var params struct {
		Discover bool `json:"discover"`
	}
	if len(m.Params) > 0 {
		_ = json.Unmarshal(m.Params, &params)
	}
	rt.respond(c, m, nil)

	if params.Discover {
		for _, info := range rt.targets.snapshot() {
			ev, err := cdp.NewEvent("Target.targetCreated", "", map[string]any{"targetInfo": info})
			if err != nil {
				continue
			}
			c.deliverMessage(ev)
		}
	}
}

func (rt *router) getTargetInfo(c *client, m *cdp.Message) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if len(m.Params) > 0 {
		_ = json.Unmarshal(m.Params, &params)
	}

	targetID := params.TargetID
	if targetID == "" && m.SessionID != "" {
		if s, ok := rt.lookupSession(m.SessionID); ok {
			targetID = s.targetID
		}
	}
	if targetID != "" {
		if info, _, ok := rt.targets.byTargetID(targetID); ok {
			rt.respond(c, m, map[string]any{"targetInfo": info})
			return
		}
		rt.respondError(c, m, cdp.CodeServerError, "No target with given id found")
		return
	}
	// No target named: answer with any attached target, matching the
	// browser's behavior for a bare getTargetInfo.
	if targets := rt.targets.snapshot(); len(targets) > 0 {
		rt.respond(c, m, map[string]any{"targetInfo": targets[0]})
		return
	}
	rt.respondError(c, m, cdp.CodeServerError, "No target with given id found")
}

func (rt *router) attachToTarget(c *client, m *cdp.Message) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if len(m.Params) > 0 {
		_ = json.Unmarshal(m.Params, &params)
	}
	if params.TargetID == "" {
		rt.respondError(c, m, cdp.CodeInvalidParams, "targetId required")
		return
	}
	info, tabID, ok := rt.targets.byTargetID(params.TargetID)
	if !ok {
		rt.respondError(c, m, cdp.CodeServerError, "No target with given id found")
		return
	}

	s := rt.mintSession(c.id, info.TargetID, tabID)
	rt.respond(c, m, map[string]string{"sessionId": s.id})

	ev, err := cdp.NewEvent("Target.attachedToTarget", "", map[string]any{
		"sessionId":          s.id,
		"targetInfo":         info,
		"waitingForDebugger": false,
	})
	if err == nil {
		c.deliverMessage(ev)
	}
}

func (rt *router) detachFromTarget(c *client, m *cdp.Message) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if len(m.Params) > 0 {
		_ = json.Unmarshal(m.Params, &params)
	}
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = m.SessionID
	}

	s, ok := rt.lookupSession(sessionID)
	if !ok || s.clientID != c.id {
		rt.respondError(c, m, cdp.CodeSessionError, "No session with given id")
		return
	}
	rt.removeSession(s.id)
	rt.respond(c, m, nil)

	ev, err := cdp.NewEvent("Target.detachedFromTarget", "", map[string]any{
		"sessionId": s.id,
		"targetId":  s.targetID,
	})
	if err == nil {
		c.deliverMessage(ev)
	}
}

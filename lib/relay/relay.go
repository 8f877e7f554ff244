// Package relay brokers Chrome DevTools Protocol traffic between CDP clients
// (Playwright instances on /cdp/<id>) and a single browser extension holding
// live chrome.debugger attachments (/extension). To a client the relay looks
// like a normal CDP endpoint: target lifecycle the raw debugger API never
// emits is synthesized here, request ids are multiplexed over the one
// extension socket, and a binary video side channel shares the same link.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/playscope/relay/lib/logger"
)

const extensionReadLimit = 100 * 1024 * 1024 // effectively unbounded; the extension is local and trusted

// Config controls a Relay's policies. The zero value is usable for loopback
// deployments.
type Config struct {
	// Token, when non-empty, is required on every endpoint (query parameter
	// "token" or the x-relay-token header).
	Token string

	// OnExtensionIdle selects the fate of client traffic while no extension
	// is connected.
	OnExtensionIdle IdlePolicy
	// IdleGrace bounds how long IdleWait holds commands.
	IdleGrace time.Duration

	// RequestTimeout bounds every extension-bound request.
	RequestTimeout time.Duration
	// HeartbeatInterval is the extension ping period.
	HeartbeatInterval time.Duration
}

// Relay is the long-lived broker. Create with New, mount Handler on an HTTP
// server, and call Shutdown on the way out.
type Relay struct {
	log *slog.Logger
	cfg Config

	clients *clientRegistry
	ext     *extensionLink
	targets *targetManager
	router  *router
	rec     *recordingManager

	// onShutdownRequest is invoked by POST /shutdown (the --replace handshake).
	onShutdownRequest func()

	closed atomic.Bool
}

func New(cfg Config, log *slog.Logger) *Relay {
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = 10 * time.Second
	}
	r := &Relay{
		log:     log,
		cfg:     cfg,
		clients: newClientRegistry(),
		ext:     newExtensionLink(log, cfg.RequestTimeout, cfg.HeartbeatInterval),
		targets: newTargetManager(log, 0),
	}
	r.rec = newRecordingManager(log, r.ext)
	r.router = newRouter(log, r.clients, r.ext, r.targets)
	r.router.idlePolicy = cfg.OnExtensionIdle
	r.router.idleGrace = cfg.IdleGrace
	r.router.rec = r.rec
	r.rec.resolveTab = r.router.resolveTab
	return r
}

// OnShutdownRequest registers the callback POST /shutdown triggers.
func (r *Relay) OnShutdownRequest(fn func()) { r.onShutdownRequest = fn }

// ExtensionConnected reports whether the privileged extension socket is live.
func (r *Relay) ExtensionConnected() bool { return r.ext.connected() }

// Handler returns the relay's HTTP surface.
func (r *Relay) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(r.authMiddleware)

	mux.Head("/", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Get("/", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	mux.Get("/version", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})
	mux.Get("/json/version", r.handleJSONVersion)
	mux.Get("/extension/status", r.handleExtensionStatus)

	mux.HandleFunc("/cdp/{id}", r.handleCDPSocket)
	mux.HandleFunc("/extension", r.handleExtensionSocket)

	mux.Post("/recording/start", r.handleRecordingStart)
	mux.Post("/recording/stop", r.handleRecordingStop)
	mux.Post("/recording/cancel", r.handleRecordingCancel)
	mux.Get("/recording/status", r.handleRecordingStatus)

	mux.Post("/shutdown", r.handleShutdown)

	return mux
}

// Shutdown tells every client its targets are gone, closes client sockets,
// then closes the extension link last.
func (r *Relay) Shutdown() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.log.Info("relay shutting down")
	r.rec.failAll("relay shutting down")
	r.router.shutdown()
	r.ext.close()
}

func (r *Relay) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.Token != "" {
			token := req.URL.Query().Get("token")
			if token == "" {
				token = req.Header.Get("x-relay-token")
			}
			if token != r.cfg.Token {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if r.closed.Load() {
			http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Relay) handleJSONVersion(w http.ResponseWriter, req *http.Request) {
	payload := map[string]any{
		"Browser":          "PlayscopeRelay/" + Version,
		"Protocol-Version": "1.3",
	}
	if r.ext.connected() {
		payload["webSocketDebuggerUrl"] = "ws://" + req.Host + "/cdp/" + uuid.NewString()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Relay) handleExtensionStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": r.ext.connected(),
		"targets":   r.targets.snapshot(),
	})
}

// handleCDPSocket serves one CDP client. The path id is a log label only; two
// sockets may share a path, so each connection gets its own registry key.
func (r *Relay) handleCDPSocket(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context())
	clientID := uuid.NewString()
	clog := r.log
	if label := chi.URLParam(req, "id"); label != "" {
		clog = clog.With("path", label)
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Error("cdp client accept failed", "err", err)
		return
	}
	conn.SetReadLimit(extensionReadLimit)

	if !r.ext.connected() && r.cfg.OnExtensionIdle == IdleReject {
		_ = conn.Close(websocket.StatusTryAgainLater, "extension not connected")
		return
	}

	c := newClient(clientID, conn, clog)
	r.clients.add(c)
	c.log.Info("cdp client connected")
	defer func() {
		r.clients.remove(c.id)
		r.router.onClientClosed(c)
		c.fail(websocket.StatusNormalClosure, "")
		c.log.Info("cdp client disconnected")
	}()

	go c.writeLoop(req.Context())

	for {
		typ, data, err := conn.Read(req.Context())
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			// Clients have no binary protocol; ignore.
			continue
		}
		if err := r.router.handleClientFrame(req.Context(), c, data); err != nil {
			c.log.Warn("protocol error from client", "err", err)
			c.fail(websocket.StatusProtocolError, "malformed CDP frame")
			return
		}
	}
}

// handleExtensionSocket serves the privileged extension link. A newer
// connection replaces the old one; the old socket's in-flight requests fail
// with a distinguishable error and clients observe the target churn that
// follows.
func (r *Relay) handleExtensionSocket(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context())

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("extension accept failed", "err", err)
		return
	}
	conn.SetReadLimit(extensionReadLimit)

	if replaced := r.ext.bind(conn); replaced {
		log.Warn("extension connection replaced")
		// The old extension's targets are unreachable now. Run the same
		// recovery as a disconnect before this socket's frames are read, so
		// clients see destruction before the new snapshot re-creates targets.
		r.router.onExtensionDisconnect()
	} else {
		log.Info("extension connected")
	}
	go r.ext.heartbeatLoop(req.Context(), conn)

	defer func() {
		if r.ext.unbind(conn) {
			r.router.onExtensionDisconnect()
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := conn.Read(req.Context())
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			r.rec.handleBinary(data)
		case websocket.MessageText:
			r.router.handleExtensionFrame(data)
		}
	}
}

type recordingRequest struct {
	SessionID  string `json:"sessionId"`
	OutputPath string `json:"outputPath"`
}

func (r *Relay) handleRecordingStart(w http.ResponseWriter, req *http.Request) {
	var body recordingRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}
	res, err := r.rec.start(req.Context(), body.SessionID, body.OutputPath)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"tabId":     res.TabID,
		"startedAt": res.StartedAt,
	})
}

func (r *Relay) handleRecordingStop(w http.ResponseWriter, req *http.Request) {
	var body recordingRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}
	res, err := r.rec.stop(req.Context(), body.SessionID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"path":     res.Path,
		"size":     res.Size,
		"duration": res.Duration.Milliseconds(),
	})
}

func (r *Relay) handleRecordingCancel(w http.ResponseWriter, req *http.Request) {
	var body recordingRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}
	if err := r.rec.cancel(req.Context(), body.SessionID); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (r *Relay) handleRecordingStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.rec.status(req.Context(), req.URL.Query().Get("sessionId")))
}

func (r *Relay) handleShutdown(w http.ResponseWriter, req *http.Request) {
	if r.onShutdownRequest == nil {
		http.Error(w, "shutdown not supported", http.StatusNotImplemented)
		return
	}
	w.WriteHeader(http.StatusOK)
	go r.onShutdownRequest()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

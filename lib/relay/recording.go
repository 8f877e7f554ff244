package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stopRecordingTimeout = 30 * time.Second

var (
	ErrNotRecording     = errors.New("no recording in progress")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrRecordingTimeout = errors.New("Timeout waiting for recording data")
)

// recordingMetadata is the routing label the extension emits before each
// binary chunk, and with final=true (no chunk following) at end of stream.
type recordingMetadata struct {
	TabID int64 `json:"tabId"`
	Final bool  `json:"final"`
}

type stopOutcome struct {
	path     string
	size     int64
	duration time.Duration
	err      error
}

// recordingSession accumulates one tab's video chunks until the final
// metadata arrives, then the concatenation is written in a single pass.
type recordingSession struct {
	tabID      int64
	outputPath string
	startedAt  time.Time
	chunks     [][]byte
	size       int64
	waiters    []chan stopOutcome
}

// recordingManager owns the chunk accumulators and the process-wide "last
// binary metadata" slot that routes the next binary frame.
type recordingManager struct {
	log *slog.Logger
	ext *extensionLink

	// resolveTab maps a caller-supplied session id (possibly empty, meaning
	// first connected tab) to a tab; wired to the router.
	resolveTab func(sessionID string) (int64, bool)

	mu          sync.Mutex
	byTab       map[int64]*recordingSession
	lastMetaTab int64
	haveMeta    bool
}

func newRecordingManager(log *slog.Logger, ext *extensionLink) *recordingManager {
	return &recordingManager{
		log:   log,
		ext:   ext,
		byTab: make(map[int64]*recordingSession),
	}
}

// StartResult is returned to the HTTP caller of /recording/start.
type StartResult struct {
	TabID     int64     `json:"tabId"`
	StartedAt time.Time `json:"startedAt"`
}

// StopResult is returned to the HTTP caller of /recording/stop.
type StopResult struct {
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
}

func (rm *recordingManager) start(ctx context.Context, sessionID, outputPath string) (StartResult, error) {
	if outputPath == "" {
		return StartResult{}, errors.New("outputPath required")
	}
	if !filepath.IsAbs(outputPath) {
		return StartResult{}, fmt.Errorf("outputPath must be absolute: %s", outputPath)
	}
	tabID, ok := rm.resolveTab(sessionID)
	if !ok {
		return StartResult{}, errors.New("no matching tab for recording")
	}

	// Reserve the tab before calling out so a concurrent start observes it;
	// the extension call runs without the lock held.
	rec := &recordingSession{
		tabID:      tabID,
		outputPath: outputPath,
		startedAt:  time.Now(),
	}
	rm.mu.Lock()
	if _, exists := rm.byTab[tabID]; exists {
		rm.mu.Unlock()
		return StartResult{}, ErrAlreadyRecording
	}
	rm.byTab[tabID] = rec
	rm.mu.Unlock()

	if _, err := rm.ext.call(ctx, "startRecording", map[string]int64{"tabId": tabID}); err != nil {
		rm.mu.Lock()
		if cur, ok := rm.byTab[tabID]; ok && cur == rec {
			delete(rm.byTab, tabID)
		}
		rm.mu.Unlock()
		return StartResult{}, err
	}

	return StartResult{TabID: tabID, StartedAt: rec.startedAt}, nil
}

// resolveRecordingTab resolves a caller-supplied session id to a tab with an
// active recording. An empty session id falls back to the sole active
// recording before the "first connected tab" convention.
func (rm *recordingManager) resolveRecordingTab(sessionID string) (int64, bool) {
	if sessionID == "" {
		rm.mu.Lock()
		if len(rm.byTab) == 1 {
			for tabID := range rm.byTab {
				rm.mu.Unlock()
				return tabID, true
			}
		}
		rm.mu.Unlock()
	}
	return rm.resolveTab(sessionID)
}

func (rm *recordingManager) stop(ctx context.Context, sessionID string) (StopResult, error) {
	tabID, ok := rm.resolveRecordingTab(sessionID)
	if !ok {
		return StopResult{}, ErrNotRecording
	}

	rm.mu.Lock()
	rec, exists := rm.byTab[tabID]
	if !exists {
		rm.mu.Unlock()
		return StopResult{}, ErrNotRecording
	}
	ch := make(chan stopOutcome, 1)
	rec.waiters = append(rec.waiters, ch)
	rm.mu.Unlock()

	if _, err := rm.ext.call(ctx, "stopRecording", map[string]int64{"tabId": tabID}); err != nil {
		rm.discard(tabID, err)
		return StopResult{}, err
	}

	timer := time.NewTimer(stopRecordingTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			return StopResult{}, out.err
		}
		return StopResult{Path: out.path, Size: out.size, Duration: out.duration}, nil
	case <-timer.C:
		rm.discard(tabID, ErrRecordingTimeout)
		return StopResult{}, ErrRecordingTimeout
	case <-ctx.Done():
		return StopResult{}, ctx.Err()
	}
}

func (rm *recordingManager) cancel(ctx context.Context, sessionID string) error {
	tabID, ok := rm.resolveRecordingTab(sessionID)
	if !ok {
		return ErrNotRecording
	}
	rm.mu.Lock()
	_, exists := rm.byTab[tabID]
	rm.mu.Unlock()
	if !exists {
		return ErrNotRecording
	}
	_, err := rm.ext.call(ctx, "cancelRecording", map[string]int64{"tabId": tabID})
	rm.discard(tabID, errors.New("recording canceled"))
	return err
}

// StatusResult reports whether a tab is currently recording.
type StatusResult struct {
	Recording bool      `json:"recording"`
	TabID     int64     `json:"tabId,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

func (rm *recordingManager) status(ctx context.Context, sessionID string) StatusResult {
	tabID, ok := rm.resolveRecordingTab(sessionID)
	if !ok {
		return StatusResult{}
	}
	rm.mu.Lock()
	rec, exists := rm.byTab[tabID]
	var startedAt time.Time
	if exists {
		startedAt = rec.startedAt
	}
	rm.mu.Unlock()

	// The extension owns the truth; local state covers outages.
	if res, err := rm.ext.call(ctx, "isRecording", map[string]int64{"tabId": tabID}); err == nil {
		var body struct {
			Recording bool `json:"recording"`
		}
		if json.Unmarshal(res, &body) == nil {
			if !body.Recording {
				return StatusResult{TabID: tabID}
			}
			return StatusResult{Recording: true, TabID: tabID, StartedAt: startedAt}
		}
	}
	if !exists {
		return StatusResult{TabID: tabID}
	}
	return StatusResult{Recording: true, TabID: tabID, StartedAt: startedAt}
}

// handleMetadata processes a recordingData routing label. final=true closes
// the stream: chunks are concatenated and written in one pass, then every
// pending stop resolves.
func (rm *recordingManager) handleMetadata(tabID int64, final bool) {
	if !final {
		rm.mu.Lock()
		if _, exists := rm.byTab[tabID]; exists {
			rm.lastMetaTab = tabID
			rm.haveMeta = true
		} else {
			rm.log.Warn("recording metadata for unknown tab", "tab", tabID)
		}
		rm.mu.Unlock()
		return
	}

	rm.mu.Lock()
	rec, exists := rm.byTab[tabID]
	if exists {
		delete(rm.byTab, tabID)
	}
	rm.haveMeta = false
	rm.mu.Unlock()
	if !exists {
		rm.log.Warn("final recording metadata for unknown tab", "tab", tabID)
		return
	}

	out := rm.writeFile(rec)
	for _, ch := range rec.waiters {
		ch <- out
	}
}

// handleBinary routes one binary frame to the recording named by the
// preceding metadata. A stray frame with no pending metadata is dropped, not
// misrouted.
func (rm *recordingManager) handleBinary(data []byte) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.haveMeta {
		rm.log.Warn("dropping binary frame with no preceding recording metadata", "bytes", len(data))
		return
	}
	rm.haveMeta = false
	rec, exists := rm.byTab[rm.lastMetaTab]
	if !exists {
		rm.log.Warn("dropping binary frame for vanished recording", "tab", rm.lastMetaTab)
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	rec.chunks = append(rec.chunks, chunk)
	rec.size += int64(len(chunk))
}

// writeFile concatenates the accumulated chunks and writes the output in a
// single pass, creating parent directories as needed. Either the complete
// file exists or none does.
func (rm *recordingManager) writeFile(rec *recordingSession) stopOutcome {
	buf := make([]byte, 0, rec.size)
	for _, chunk := range rec.chunks {
		buf = append(buf, chunk...)
	}
	if err := os.MkdirAll(filepath.Dir(rec.outputPath), 0o755); err != nil {
		return stopOutcome{err: fmt.Errorf("create output directory: %w", err)}
	}
	if err := os.WriteFile(rec.outputPath, buf, 0o644); err != nil {
		return stopOutcome{err: fmt.Errorf("write recording: %w", err)}
	}
	rm.log.Info("recording written", "path", rec.outputPath, "bytes", rec.size)
	return stopOutcome{
		path:     rec.outputPath,
		size:     rec.size,
		duration: time.Since(rec.startedAt),
	}
}

// discard drops a recording's accumulated chunks without writing a file and
// fails its pending stops.
func (rm *recordingManager) discard(tabID int64, cause error) {
	rm.mu.Lock()
	rec, exists := rm.byTab[tabID]
	if exists {
		delete(rm.byTab, tabID)
	}
	rm.haveMeta = false
	rm.mu.Unlock()
	if !exists {
		return
	}
	for _, ch := range rec.waiters {
		ch <- stopOutcome{err: cause}
	}
}

// failAll discards every recording; used when the extension link drops
// mid-recording. No partial files are written.
func (rm *recordingManager) failAll(reason string) {
	rm.mu.Lock()
	recs := make([]*recordingSession, 0, len(rm.byTab))
	for tabID, rec := range rm.byTab {
		recs = append(recs, rec)
		delete(rm.byTab, tabID)
	}
	rm.haveMeta = false
	rm.mu.Unlock()

	for _, rec := range recs {
		for _, ch := range rec.waiters {
			ch <- stopOutcome{err: errors.New(reason)}
		}
	}
}

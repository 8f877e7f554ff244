package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
)

const defaultFrozenTimeout = 30 * time.Second

// TargetInfo is the synthesized CDP shape announced for every extension tab.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId"`
	CanAccessOpener  bool   `json:"canAccessOpener"`
}

type targetState int

const (
	targetAttached targetState = iota
	// targetFrozen covers an extension outage: the record survives so a
	// reattachment of the same tab within the timeout keeps its targetId.
	targetFrozen
)

type target struct {
	id    string
	tabID int64
	url   string
	title string
	state targetState

	dropTimer *time.Timer
}

func (t *target) info() TargetInfo {
	return TargetInfo{
		TargetID:         t.id,
		Type:             "page",
		Title:            t.title,
		URL:              t.url,
		Attached:         t.state == targetAttached,
		BrowserContextID: "default",
		CanAccessOpener:  false,
	}
}

// targetManager is the source of truth for what tabs exist. targetIds are
// minted here and are stable across navigations within a tab; they are never
// derived from the page URL.
type targetManager struct {
	log           *slog.Logger
	frozenTimeout time.Duration

	mu    sync.Mutex
	byTab map[int64]*target
	byID  map[string]*target
}

func newTargetManager(log *slog.Logger, frozenTimeout time.Duration) *targetManager {
	if frozenTimeout <= 0 {
		frozenTimeout = defaultFrozenTimeout
	}
	return &targetManager{
		log:           log,
		frozenTimeout: frozenTimeout,
		byTab:         make(map[int64]*target),
		byID:          make(map[string]*target),
	}
}

// attach records a tab as debugger-attached. A frozen record for the same tab
// is revived with its original targetId; otherwise a fresh targetId is minted.
func (m *targetManager) attach(tabID int64, url, title string) (info TargetInfo, reused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.byTab[tabID]; ok {
		if t.dropTimer != nil {
			t.dropTimer.Stop()
			t.dropTimer = nil
		}
		reused = t.state == targetFrozen
		t.state = targetAttached
		t.url = url
		t.title = title
		return t.info(), reused
	}

	t := &target{
		id:    cuid2.Generate(),
		tabID: tabID,
		url:   url,
		title: title,
		state: targetAttached,
	}
	m.byTab[tabID] = t
	m.byID[t.id] = t
	return t.info(), false
}

// navigate updates url/title for a tab, keeping its targetId.
func (m *targetManager) navigate(tabID int64, url, title string) (TargetInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTab[tabID]
	if !ok || t.state != targetAttached {
		return TargetInfo{}, false
	}
	t.url = url
	t.title = title
	return t.info(), true
}

// detach removes a tab's record entirely.
func (m *targetManager) detach(tabID int64) (TargetInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTab[tabID]
	if !ok {
		return TargetInfo{}, false
	}
	m.removeLocked(t)
	return t.info(), true
}

// freezeAll marks every attached target frozen and schedules its silent drop.
// Returns the targets that were attached so the caller can announce their
// destruction.
func (m *targetManager) freezeAll() []TargetInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TargetInfo
	for _, t := range m.byTab {
		if t.state != targetAttached {
			continue
		}
		out = append(out, t.info())
		t.state = targetFrozen
		tt := t
		t.dropTimer = time.AfterFunc(m.frozenTimeout, func() { m.drop(tt) })
	}
	return out
}

// drop discards a frozen target whose tab never came back.
func (m *targetManager) drop(t *target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byTab[t.tabID]
	if !ok || cur != t || cur.state != targetFrozen {
		return
	}
	m.log.Debug("dropping frozen target", "target", t.id, "tab", t.tabID)
	m.removeLocked(t)
}

func (m *targetManager) removeLocked(t *target) {
	if t.dropTimer != nil {
		t.dropTimer.Stop()
		t.dropTimer = nil
	}
	delete(m.byTab, t.tabID)
	delete(m.byID, t.id)
}

func (m *targetManager) byTargetID(id string) (TargetInfo, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok || t.state != targetAttached {
		return TargetInfo{}, 0, false
	}
	return t.info(), t.tabID, true
}

func (m *targetManager) byTabID(tabID int64) (TargetInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTab[tabID]
	if !ok || t.state != targetAttached {
		return TargetInfo{}, false
	}
	return t.info(), true
}

// snapshot returns all attached targets.
func (m *targetManager) snapshot() []TargetInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	attached := lo.Filter(lo.Values(m.byTab), func(t *target, _ int) bool {
		return t.state == targetAttached
	})
	return lo.Map(attached, func(t *target, _ int) TargetInfo { return t.info() })
}

// firstAttachedTab returns an arbitrary attached tab, used when a recording
// caller does not name a session.
func (m *targetManager) firstAttachedTab() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tabID, t := range m.byTab {
		if t.state == targetAttached {
			return tabID, true
		}
	}
	return 0, false
}

package display

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/protocol"
)

// bootPackage owns the broker's own boot-screen entry, shown on the
// dashboard while Apps are loading.
const bootPackage = "system.boot"

// Request is one entry on a view's display stack.
type Request struct {
	View        protocol.ViewType
	PackageName string
	Content     map[string]interface{}
	Layout      protocol.Layout
	ExpiresAt   time.Time // zero means no expiry
}

// Sender delivers display events to the glasses transport.
type Sender func(ev *protocol.DisplayEvent)

// Manager arbitrates the per-session display. It keeps one stack per view;
// the visible request is the top of the stack for the active view, selected
// by head position (dashboard when up, main when down).
//
// Emission is throttled to one display_event per throttle window per
// session; intermediate states inside a window are coalesced and the latest
// state is emitted when the window elapses.
type Manager struct {
	mu         sync.Mutex
	stacks     map[protocol.ViewType][]*Request
	activeView protocol.ViewType

	expiry map[*Request]*time.Timer

	throttle    time.Duration
	lastEmit    time.Time
	pendingEmit *time.Timer

	send   Sender
	log    *logger.Logger
	closed bool
}

// NewManager creates a display manager. The main view is active until the
// first head_position report.
func NewManager(throttle time.Duration, send Sender, log *logger.Logger) *Manager {
	return &Manager{
		stacks: map[protocol.ViewType][]*Request{
			protocol.ViewDashboard: {},
			protocol.ViewMain:      {},
		},
		activeView: protocol.ViewMain,
		expiry:     make(map[*Request]*time.Timer),
		throttle:   throttle,
		send:       send,
		log:        log.WithComponent("display"),
	}
}

// Push places a request on top of its view's stack. A request with an expiry
// is evicted automatically when it elapses.
func (m *Manager) Push(req *Request) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if req.View != protocol.ViewDashboard {
		req.View = protocol.ViewMain
	}
	m.stacks[req.View] = append(m.stacks[req.View], req)

	if !req.ExpiresAt.IsZero() {
		d := time.Until(req.ExpiresAt)
		if d < 0 {
			d = 0
		}
		m.expiry[req] = time.AfterFunc(d, func() { m.evict(req) })
	}
	m.mu.Unlock()

	m.log.Debug("display request pushed",
		slog.String("package_name", req.PackageName),
		slog.String("view", string(req.View)))

	m.emit()
}

// evict removes an expired request and re-emits if it changed visibility.
func (m *Manager) evict(req *Request) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	removed := m.removeLocked(req)
	delete(m.expiry, req)
	m.mu.Unlock()

	if removed {
		m.emit()
	}
}

func (m *Manager) removeLocked(req *Request) bool {
	stack := m.stacks[req.View]
	for i, r := range stack {
		if r == req {
			m.stacks[req.View] = append(stack[:i], stack[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every entry owned by the package, optionally restricted to
// one view. Pass an empty view to clear both.
func (m *Manager) Clear(packageName string, view protocol.ViewType) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	changed := false
	for v, stack := range m.stacks {
		if view != "" && v != view {
			continue
		}
		kept := stack[:0]
		for _, r := range stack {
			if r.PackageName == packageName {
				if t, ok := m.expiry[r]; ok {
					t.Stop()
					delete(m.expiry, r)
				}
				changed = true
				continue
			}
			kept = append(kept, r)
		}
		m.stacks[v] = kept
	}
	m.mu.Unlock()

	if changed {
		m.emit()
	}
}

// SetView switches the active view and emits the newly visible content
// (possibly empty).
func (m *Manager) SetView(view protocol.ViewType) {
	m.mu.Lock()
	if m.closed || m.activeView == view {
		m.mu.Unlock()
		return
	}
	m.activeView = view
	m.mu.Unlock()

	m.log.Debug("active view changed", slog.String("view", string(view)))
	m.emit()
}

// ActiveView returns the currently active view.
func (m *Manager) ActiveView() protocol.ViewType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeView
}

// VisibleContent returns the request currently visible, or nil when the
// active view's stack is empty.
func (m *Manager) VisibleContent() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visibleLocked()
}

func (m *Manager) visibleLocked() *Request {
	stack := m.stacks[m.activeView]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// ShowBootScreen keeps a broker-owned dashboard entry while Apps are
// loading. Passing an empty list removes it.
func (m *Manager) ShowBootScreen(loading []string) {
	if len(loading) == 0 {
		m.Clear(bootPackage, protocol.ViewDashboard)
		return
	}

	names := make([]interface{}, len(loading))
	for i, pkg := range loading {
		names[i] = pkg
	}

	m.Clear(bootPackage, protocol.ViewDashboard)
	m.Push(&Request{
		View:        protocol.ViewDashboard,
		PackageName: bootPackage,
		Content: map[string]interface{}{
			"text":    "Starting apps...",
			"loading": names,
		},
	})
}

// emit sends the current visible state, coalescing within the throttle
// window. The state captured at send time wins, so a burst of pushes inside
// one window produces a single event carrying the final state.
func (m *Manager) emit() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	elapsed := now.Sub(m.lastEmit)
	if elapsed < m.throttle {
		// Inside the window: arm a single trailing emit if not already armed.
		if m.pendingEmit == nil {
			m.pendingEmit = time.AfterFunc(m.throttle-elapsed, func() {
				m.mu.Lock()
				m.pendingEmit = nil
				m.mu.Unlock()
				m.emit()
			})
		}
		m.mu.Unlock()
		return
	}

	m.lastEmit = now
	ev := m.buildEventLocked()
	m.mu.Unlock()

	m.send(ev)
}

func (m *Manager) buildEventLocked() *protocol.DisplayEvent {
	ev := &protocol.DisplayEvent{
		Type:      protocol.TypeDisplayEvent,
		View:      m.activeView,
		Timestamp: protocol.Timestamp(time.Now()),
	}
	if vis := m.visibleLocked(); vis != nil {
		ev.PackageName = vis.PackageName
		ev.Content = vis.Content
		ev.Layout = vis.Layout
	}
	return ev
}

// Close cancels all timers. Further operations are no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, t := range m.expiry {
		t.Stop()
	}
	m.expiry = make(map[*Request]*time.Timer)
	if m.pendingEmit != nil {
		m.pendingEmit.Stop()
		m.pendingEmit = nil
	}
}

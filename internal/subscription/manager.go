package subscription

import (
	"log/slog"
	"sync"

	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/protocol"
)

// Subscription is an App's declared interest in one stream type, with an
// optional opaque filter (e.g. a language hint for transcription).
type Subscription struct {
	PackageName string
	StreamType  protocol.StreamType
	Filter      map[string]interface{}
}

// ChangeListener observes subscription set changes for one App. Invoked
// outside the manager lock, after the change is applied. The stream
// supervisor uses it for lazy managed-stream creation, the session for
// microphone state.
type ChangeListener func(packageName string, added, removed []protocol.StreamType)

// Manager holds the per-session subscription set and answers fan-out
// lookups. All methods are safe for concurrent use.
//
// Fan-out reads take a snapshot: subscriptions created while an event is in
// flight do not retroactively receive that event.
type Manager struct {
	mu   sync.RWMutex
	subs map[protocol.StreamType]map[string]*Subscription // streamType -> pkg -> sub

	listeners []ChangeListener
	log       *logger.Logger
}

// NewManager creates an empty subscription manager for a session.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		subs: make(map[protocol.StreamType]map[string]*Subscription),
		log:  log.WithComponent("subscriptions"),
	}
}

// AddListener registers a change listener. Not safe to call concurrently
// with changes; wire listeners during session construction.
func (m *Manager) AddListener(l ChangeListener) {
	m.listeners = append(m.listeners, l)
}

// Subscribe adds one subscription. Re-subscribing updates the filter and is
// otherwise a no-op.
func (m *Manager) Subscribe(packageName string, streamType protocol.StreamType, filter map[string]interface{}) {
	m.mu.Lock()
	byPkg, ok := m.subs[streamType]
	if !ok {
		byPkg = make(map[string]*Subscription)
		m.subs[streamType] = byPkg
	}
	_, existed := byPkg[packageName]
	byPkg[packageName] = &Subscription{
		PackageName: packageName,
		StreamType:  streamType,
		Filter:      filter,
	}
	m.mu.Unlock()

	if !existed {
		m.log.Debug("subscription added",
			slog.String("package_name", packageName),
			slog.String("stream_type", string(streamType)))
		m.notify(packageName, []protocol.StreamType{streamType}, nil)
	}
}

// Unsubscribe removes one subscription. Removing a subscription that is not
// held is a no-op.
func (m *Manager) Unsubscribe(packageName string, streamType protocol.StreamType) {
	m.mu.Lock()
	byPkg, ok := m.subs[streamType]
	if ok {
		_, ok = byPkg[packageName]
		if ok {
			delete(byPkg, packageName)
			if len(byPkg) == 0 {
				delete(m.subs, streamType)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		m.notify(packageName, nil, []protocol.StreamType{streamType})
	}
}

// Replace swaps the App's entire subscription set, as subscription_update
// does on the wire. Returns the streams added and removed.
func (m *Manager) Replace(packageName string, streamTypes []protocol.StreamType) (added, removed []protocol.StreamType) {
	desired := make(map[protocol.StreamType]bool, len(streamTypes))
	for _, st := range streamTypes {
		if st.IsValid() {
			desired[st] = true
		}
	}

	m.mu.Lock()
	for st, byPkg := range m.subs {
		if _, held := byPkg[packageName]; held && !desired[st] {
			delete(byPkg, packageName)
			if len(byPkg) == 0 {
				delete(m.subs, st)
			}
			removed = append(removed, st)
		}
	}
	for st := range desired {
		byPkg, ok := m.subs[st]
		if !ok {
			byPkg = make(map[string]*Subscription)
			m.subs[st] = byPkg
		}
		if _, held := byPkg[packageName]; !held {
			byPkg[packageName] = &Subscription{PackageName: packageName, StreamType: st}
			added = append(added, st)
		}
	}
	m.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		m.log.Debug("subscriptions replaced",
			slog.String("package_name", packageName),
			slog.Int("added", len(added)),
			slog.Int("removed", len(removed)))
		m.notify(packageName, added, removed)
	}
	return added, removed
}

// SubscribersFor returns a snapshot of the packages subscribed to the given
// stream type. O(subscribers); safe to iterate without further locking.
func (m *Manager) SubscribersFor(streamType protocol.StreamType) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byPkg := m.subs[streamType]
	if len(byPkg) == 0 {
		return nil
	}
	out := make([]string, 0, len(byPkg))
	for pkg := range byPkg {
		out = append(out, pkg)
	}
	return out
}

// Has reports whether the package currently holds the subscription.
func (m *Manager) Has(packageName string, streamType protocol.StreamType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPkg := m.subs[streamType]
	_, ok := byPkg[packageName]
	return ok
}

// Clear removes every subscription held by the package. Called when the App
// transitions out of the running set.
func (m *Manager) Clear(packageName string) {
	var removed []protocol.StreamType

	m.mu.Lock()
	for st, byPkg := range m.subs {
		if _, held := byPkg[packageName]; held {
			delete(byPkg, packageName)
			if len(byPkg) == 0 {
				delete(m.subs, st)
			}
			removed = append(removed, st)
		}
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		m.log.Debug("subscriptions cleared",
			slog.String("package_name", packageName),
			slog.Int("removed", len(removed)))
		m.notify(packageName, nil, removed)
	}
}

// HasAudioSubscribers reports whether any App holds an audio-consuming
// subscription. Drives microphone_state_change.
func (m *Manager) HasAudioSubscribers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range protocol.AudioStreamTypes {
		if len(m.subs[st]) > 0 {
			return true
		}
	}
	return false
}

func (m *Manager) notify(packageName string, added, removed []protocol.StreamType) {
	for _, l := range m.listeners {
		l(packageName, added, removed)
	}
}

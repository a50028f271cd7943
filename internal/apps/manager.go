package apps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/lenscloud/lenscloud/internal/config"
	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/metrics"
	"github.com/lenscloud/lenscloud/internal/protocol"
	"github.com/lenscloud/lenscloud/internal/store"
)

// State is an App's lifecycle state within a session.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// StartPayload is the JSON body POSTed to an App's webhook to ask it to
// connect to this session.
type StartPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	ServerURL string `json:"serverUrl,omitempty"`
}

// Sinks route manager decisions back into the session.
type Sinks struct {
	// SendToApp writes to a running App's socket, best effort.
	SendToApp func(packageName string, v interface{})
	// CloseApp closes an App socket with a WebSocket close code.
	CloseApp func(packageName string, code int, reason string)
	// StateChanged fires after any state transition with the running and
	// loading package sets, already ordered for the wire.
	StateChanged func(running, loading []string)
	// Stopped fires once per transition into stopped so the session can
	// clear subscriptions, displays, and stream ownership.
	Stopped func(packageName string)
}

type appRecord struct {
	state        State
	connectTimer *time.Timer
	stopTimer    *time.Timer
}

// Manager drives App lifecycles for one session: webhook start, the connect
// deadline, graceful stop, and crash cleanup.
type Manager struct {
	mu        sync.Mutex
	cfg       *config.Config
	log       *logger.Logger
	met       *metrics.Metrics
	store     store.Store
	client    *http.Client
	sinks     Sinks
	userID    string
	sessionID string
	serverURL string

	apps map[string]*appRecord
}

// NewManager creates an App manager for one session. met may be nil; client
// may be nil to use a default with the webhook timeout applied.
func NewManager(cfg *config.Config, log *logger.Logger, met *metrics.Metrics, st store.Store, client *http.Client, sinks Sinks, userID, sessionID, serverURL string) *Manager {
	if client == nil {
		client = &http.Client{Timeout: cfg.WebhookStartTimeout}
	}
	return &Manager{
		cfg:       cfg,
		log:       log.WithComponent("apps").WithSession(userID, sessionID),
		met:       met,
		store:     st,
		client:    client,
		sinks:     sinks,
		userID:    userID,
		sessionID: sessionID,
		serverURL: serverURL,
		apps:      make(map[string]*appRecord),
	}
}

// StartApp asks an App to join the session. It resolves the manifest, POSTs
// the webhook, and arms the connect deadline; the App is running only once
// its socket authenticates. Starting an App that is already starting or
// running is a no-op. Starting one that is stopping is rejected so the stop
// can finish first.
func (m *Manager) StartApp(ctx context.Context, packageName string) error {
	m.mu.Lock()
	if rec, ok := m.apps[packageName]; ok {
		switch rec.state {
		case StateStarting, StateRunning:
			m.mu.Unlock()
			return nil
		case StateStopping:
			m.mu.Unlock()
			return errors.Busy("app is stopping")
		}
	}
	rec := &appRecord{state: StateStarting}
	m.apps[packageName] = rec
	m.notifyStateLocked()
	m.mu.Unlock()

	app, err := m.store.GetApp(ctx, packageName)
	if err != nil {
		m.failStart(packageName, "manifest lookup failed")
		return err
	}
	if app.WebhookURL == "" {
		m.failStart(packageName, "no webhook url")
		return errors.NotFound("app has no webhook url")
	}

	if err := m.postWebhook(ctx, app.WebhookURL); err != nil {
		m.failStart(packageName, "webhook failed")
		return errors.Transient("webhook start failed: " + err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.state != StateStarting {
		// Stopped or superseded while the webhook was in flight.
		return nil
	}
	rec.connectTimer = time.AfterFunc(m.cfg.WebhookStartTimeout, func() {
		m.connectDeadlineExpired(packageName)
	})
	m.log.Info("app start requested", "package_name", packageName)
	return nil
}

// AppConnected marks the App running after its socket authenticated. A
// connect without a pending start is rejected; the session closes such
// sockets.
func (m *Manager) AppConnected(packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.apps[packageName]
	if !ok || rec.state == StateStopped {
		return errors.NotFound("no pending start for " + packageName)
	}
	switch rec.state {
	case StateRunning:
		// Socket replacement for an already-running App.
		return nil
	case StateStopping:
		return errors.Busy("app is stopping")
	}

	if rec.connectTimer != nil {
		rec.connectTimer.Stop()
		rec.connectTimer = nil
	}
	rec.state = StateRunning
	if m.met != nil {
		m.met.AppsRunning.Inc()
	}
	m.notifyStateLocked()
	m.log.Info("app running", "package_name", packageName)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.TouchLastActive(ctx, m.userID, packageName); err != nil {
			m.log.Warn("touch last active failed", "package_name", packageName, "error", err)
		}
	}()
	return nil
}

// StopApp begins a graceful stop: the App gets a stop message and the grace
// window to close its own socket before the broker closes it. Stopping an
// App that is not running is a no-op.
func (m *Manager) StopApp(packageName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.apps[packageName]
	if !ok || rec.state == StateStopped || rec.state == StateStopping {
		return
	}

	if rec.state == StateStarting {
		if rec.connectTimer != nil {
			rec.connectTimer.Stop()
			rec.connectTimer = nil
		}
		m.finishStopLocked(packageName, rec, false)
		return
	}

	rec.state = StateStopping
	m.sinks.SendToApp(packageName, &protocol.StopApp{Type: protocol.TypeAppStopped, Reason: "user_requested"})
	rec.stopTimer = time.AfterFunc(m.cfg.AppStopGrace, func() {
		m.stopGraceExpired(packageName)
	})
	m.notifyStateLocked()
	m.log.Info("app stopping", "package_name", packageName)
}

// AppSocketClosed handles the App's socket dying for any reason. A running
// App transitions straight to stopped with full cleanup; during a graceful
// stop this is the expected completion.
func (m *Manager) AppSocketClosed(packageName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.apps[packageName]
	if !ok || rec.state == StateStopped {
		return
	}
	wasRunning := rec.state == StateRunning || rec.state == StateStopping
	if rec.connectTimer != nil {
		rec.connectTimer.Stop()
		rec.connectTimer = nil
	}
	if rec.stopTimer != nil {
		rec.stopTimer.Stop()
		rec.stopTimer = nil
	}
	m.finishStopLocked(packageName, rec, wasRunning)
}

// StopAll stops every non-stopped App immediately. Used during session
// disposal, where the per-App grace window does not apply.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for packageName, rec := range m.apps {
		if rec.state == StateStopped {
			continue
		}
		wasRunning := rec.state == StateRunning || rec.state == StateStopping
		if rec.connectTimer != nil {
			rec.connectTimer.Stop()
			rec.connectTimer = nil
		}
		if rec.stopTimer != nil {
			rec.stopTimer.Stop()
			rec.stopTimer = nil
		}
		m.sinks.SendToApp(packageName, &protocol.StopApp{Type: protocol.TypeAppStopped, Reason: "session_ended"})
		m.finishStopLocked(packageName, rec, wasRunning)
	}
}

// IsRunning reports whether the App is in the running state.
func (m *Manager) IsRunning(packageName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apps[packageName]
	return ok && rec.state == StateRunning
}

// StateOf returns the App's current state.
func (m *Manager) StateOf(packageName string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apps[packageName]
	if !ok {
		return StateStopped
	}
	return rec.state
}

// RunningApps returns the running package names.
func (m *Manager) RunningApps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inStateLocked(StateRunning)
}

// ---- internals ----

func (m *Manager) postWebhook(ctx context.Context, webhookURL string) error {
	body, err := json.Marshal(StartPayload{
		Type:      "session_request",
		SessionID: m.sessionID,
		UserID:    m.userID,
		ServerURL: m.serverURL,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.WebhookStartTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) failStart(packageName, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apps[packageName]
	if !ok || rec.state != StateStarting {
		return
	}
	if rec.connectTimer != nil {
		rec.connectTimer.Stop()
		rec.connectTimer = nil
	}
	m.log.Warn("app start failed", "package_name", packageName, "reason", reason)
	m.finishStopLocked(packageName, rec, false)
}

func (m *Manager) connectDeadlineExpired(packageName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apps[packageName]
	if !ok || rec.state != StateStarting {
		return
	}
	m.log.Warn("app never connected, start abandoned", "package_name", packageName)
	m.finishStopLocked(packageName, rec, false)
}

func (m *Manager) stopGraceExpired(packageName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apps[packageName]
	if !ok || rec.state != StateStopping {
		return
	}
	m.sinks.CloseApp(packageName, 1000, "stopped")
	m.finishStopLocked(packageName, rec, true)
}

// finishStopLocked lands the App in stopped and fires cleanup hooks.
// wasRunning gates the running gauge decrement.
func (m *Manager) finishStopLocked(packageName string, rec *appRecord, wasRunning bool) {
	if rec.stopTimer != nil {
		rec.stopTimer.Stop()
		rec.stopTimer = nil
	}
	rec.state = StateStopped
	if wasRunning && m.met != nil {
		m.met.AppsRunning.Dec()
	}
	m.notifyStateLocked()
	if m.sinks.Stopped != nil {
		stopped := m.sinks.Stopped
		go stopped(packageName)
	}
	m.log.Info("app stopped", "package_name", packageName)
}

func (m *Manager) notifyStateLocked() {
	if m.sinks.StateChanged == nil {
		return
	}
	m.sinks.StateChanged(m.inStateLocked(StateRunning), m.inStateLocked(StateStarting))
}

func (m *Manager) inStateLocked(s State) []string {
	out := make([]string, 0, len(m.apps))
	for packageName, rec := range m.apps {
		if rec.state == s {
			out = append(out, packageName)
		}
	}
	sort.Strings(out)
	return out
}

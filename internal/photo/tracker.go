package photo

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
)

// Origin distinguishes who asked for the photo.
type Origin string

const (
	OriginSystem Origin = "system"
	OriginApp    Origin = "app"
)

// Request is one pending photo capture, correlated by requestId.
type Request struct {
	RequestID   string
	UserID      string
	Origin      Origin
	PackageName string // set for app-originated requests
	CreatedAt   time.Time

	timer *time.Timer
}

// Result is a resolved photo delivered to the requester.
type Result struct {
	RequestID   string `json:"requestId"`
	PhotoURL    string `json:"photoUrl"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// DeliverFunc routes a resolved photo. App-originated results go straight to
// the requesting App; system-originated results fan out to photo_taken
// subscribers.
type DeliverFunc func(req *Request, res *Result)

// ExpireFunc is invoked when a request times out without resolution.
type ExpireFunc func(req *Request)

// Tracker correlates photo requests with glasses responses and enforces the
// per-request timeout.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Request

	timeout time.Duration
	deliver DeliverFunc
	expire  ExpireFunc
	log     *logger.Logger
	closed  bool
}

// NewTracker creates a tracker with the given request timeout.
func NewTracker(timeout time.Duration, deliver DeliverFunc, expire ExpireFunc, log *logger.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]*Request),
		timeout: timeout,
		deliver: deliver,
		expire:  expire,
		log:     log.WithComponent("photo"),
	}
}

// CreateSystem registers a system-originated request (hardware button).
func (t *Tracker) CreateSystem(userID string) string {
	return t.create(userID, OriginSystem, "")
}

// CreateForApp registers an App-originated request.
func (t *Tracker) CreateForApp(userID, packageName string) string {
	return t.create(userID, OriginApp, packageName)
}

func (t *Tracker) create(userID string, origin Origin, packageName string) string {
	req := &Request{
		RequestID:   uuid.New().String(),
		UserID:      userID,
		Origin:      origin,
		PackageName: packageName,
		CreatedAt:   time.Now(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return req.RequestID
	}
	t.pending[req.RequestID] = req
	req.timer = time.AfterFunc(t.timeout, func() { t.expireRequest(req.RequestID) })
	t.mu.Unlock()

	t.log.Debug("photo request created",
		slog.String("request_id", req.RequestID),
		slog.String("origin", string(origin)),
		slog.String("package_name", packageName))

	return req.RequestID
}

// Resolve correlates an inbound photo with its pending request and delivers
// it. Unknown or already-expired IDs return not_found.
func (t *Tracker) Resolve(requestID, photoURL string) error {
	t.mu.Lock()
	req, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
		req.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		return errors.NotFound("unknown photo request: " + requestID)
	}

	t.log.Debug("photo request resolved",
		slog.String("request_id", requestID),
		slog.String("origin", string(req.Origin)))

	t.deliver(req, &Result{
		RequestID:   requestID,
		PhotoURL:    photoURL,
		RequestedBy: req.PackageName,
	})
	return nil
}

// expireRequest removes a request whose timeout elapsed.
func (t *Tracker) expireRequest(requestID string) {
	t.mu.Lock()
	req, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	t.log.Warn("photo request expired",
		slog.String("request_id", requestID),
		slog.String("package_name", req.PackageName))

	if t.expire != nil {
		t.expire(req)
	}
}

// PendingCount returns the number of unresolved requests.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels all pending request timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, req := range t.pending {
		req.timer.Stop()
		delete(t.pending, id)
	}
}

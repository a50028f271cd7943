package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/session"
)

const (
	// NATS subject for cross-instance session disposal requests
	sessionDisposeSubject = "session.dispose"

	// Timeout for distributed dispose requests
	disposeRequestTimeout = 5 * time.Second
)

// DisposeRequest asks whichever instance owns the user's session to tear it
// down.
type DisposeRequest struct {
	UserID     string `json:"user_id"`
	Reason     string `json:"reason"`
	InstanceID string `json:"instance_id"`
}

// DisposeResponse is the owning instance's reply.
type DisposeResponse struct {
	Found      bool   `json:"found"`
	InstanceID string `json:"instance_id"`
}

// DisposeService coordinates the one-session-per-user invariant across
// broker instances via NATS.
//
// Sessions live in-memory on the instance that accepted the glasses socket.
// When the glasses reconnect through a different instance, that instance
// broadcasts a dispose request; the owning instance tears its copy down and
// replies, leaving the new instance free to create a fresh session.
type DisposeService struct {
	nc           *nats.Conn
	registry     *session.Registry
	logger       *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewDisposeService creates the service. Returns nil if NATS is not
// configured, which disables cross-instance coordination.
func NewDisposeService(nc *nats.Conn, registry *session.Registry, log *logger.Logger) *DisposeService {
	if nc == nil {
		return nil
	}
	return &DisposeService{
		nc:         nc,
		registry:   registry,
		logger:     log.WithComponent("cluster"),
		instanceID: logger.GetInstanceID(),
	}
}

// Start begins listening for dispose requests from other instances.
func (s *DisposeService) Start() error {
	sub, err := s.nc.Subscribe(sessionDisposeSubject, s.handleDisposeRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", sessionDisposeSubject, err)
	}

	s.subscription = sub
	s.logger.Info("cluster dispose service started",
		slog.String("subject", sessionDisposeSubject),
		slog.String("instance_id", s.instanceID))
	return nil
}

// Stop gracefully shuts the service down.
func (s *DisposeService) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	s.logger.Info("cluster dispose service stopped")
	return nil
}

// RequestDispose asks the owning instance, if any, to dispose the user's
// session. A silent cluster means no other instance owns one.
func (s *DisposeService) RequestDispose(ctx context.Context, userID, reason string) (*DisposeResponse, error) {
	req := DisposeRequest{
		UserID:     userID,
		Reason:     reason,
		InstanceID: s.instanceID,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, disposeRequestTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, sessionDisposeSubject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, nats.ErrTimeout) {
			return &DisposeResponse{Found: false}, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("dispose request failed: %w", err)
	}

	var resp DisposeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

// handleDisposeRequest processes requests from other instances. Only the
// instance that owns the session replies; everyone else stays silent so the
// requester's timeout means "nobody owned it".
func (s *DisposeService) handleDisposeRequest(msg *nats.Msg) {
	var req DisposeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("received invalid dispose request", slog.String("error", err.Error()))
		return
	}

	if req.InstanceID == s.instanceID {
		// Our own broadcast echoed back.
		return
	}

	if _, ok := s.registry.Get(req.UserID); !ok {
		return
	}

	s.registry.Dispose(req.UserID)
	s.logger.Info("disposed session on cluster request",
		slog.String("user_id", req.UserID),
		slog.String("reason", req.Reason),
		slog.String("requested_by", req.InstanceID))

	s.reply(msg, DisposeResponse{Found: true, InstanceID: s.instanceID})
}

func (s *DisposeService) reply(msg *nats.Msg, resp DisposeResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send response", slog.String("error", err.Error()))
	}
}

package router

import (
	"time"

	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/protocol"
	"github.com/lenscloud/lenscloud/internal/transport"
)

const (
	// errWindow and errLimit define the close threshold: a socket producing
	// errLimit protocol errors inside errWindow is closed with code 1008.
	errWindow = 60 * time.Second
	errLimit  = 3

	closePolicyViolation = 1008
)

// errCounter tracks protocol errors in a sliding window. Not safe for
// concurrent use; routers only touch it from the socket's read loop.
type errCounter struct {
	times []time.Time
}

// hit records a protocol error and reports whether the close threshold was
// reached.
func (c *errCounter) hit(now time.Time) bool {
	cutoff := now.Add(-errWindow)
	kept := c.times[:0]
	for _, t := range c.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.times = append(kept, now)
	return len(c.times) >= errLimit
}

// sendWireError writes a structured error back on the originating socket.
func sendWireError(t transport.Transport, err error) {
	if t == nil {
		return
	}
	kind := errors.KindOf(err)
	msg := err.Error()
	var be *errors.Error
	if e, ok := err.(*errors.Error); ok {
		be = e
		msg = be.Message
	}
	we := &protocol.WireError{
		Type:    protocol.TypeStructuredError,
		Kind:    string(kind),
		Message: msg,
	}
	if be != nil {
		we.Details = be.Details
	}
	if kind == errors.KindProtocol {
		we.Type = protocol.TypeProtocolError
	}
	_ = t.SendJSON(we)
}

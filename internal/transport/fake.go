package transport

import (
	"encoding/json"
	"sync"
)

// FakeTransport is an in-memory Transport used by tests across the broker
// packages. It records every sent message and can be flipped to failing to
// exercise broken-transport paths.
type FakeTransport struct {
	role Role

	mu       sync.Mutex
	sentJSON []json.RawMessage
	sentBin  [][]byte
	failing  bool
	closed   bool
	code     int
	reason   string
}

// NewFake creates a fake transport for the given role.
func NewFake(role Role) *FakeTransport {
	return &FakeTransport{role: role}
}

func (f *FakeTransport) SendJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing || f.closed {
		return ErrBroken
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.sentJSON = append(f.sentJSON, data)
	return nil
}

func (f *FakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing || f.closed {
		return ErrBroken
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sentBin = append(f.sentBin, cp)
	return nil
}

func (f *FakeTransport) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
}

func (f *FakeTransport) Role() Role         { return f.role }
func (f *FakeTransport) RemoteAddr() string { return "fake:0" }

// SetFailing makes subsequent sends return ErrBroken.
func (f *FakeTransport) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// SentJSON returns a copy of all JSON payloads sent so far.
func (f *FakeTransport) SentJSON() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]json.RawMessage, len(f.sentJSON))
	copy(out, f.sentJSON)
	return out
}

// SentBinary returns a copy of all binary frames sent so far.
func (f *FakeTransport) SentBinary() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sentBin))
	copy(out, f.sentBin)
	return out
}

// SentOfType returns decoded JSON messages whose type field matches.
func (f *FakeTransport) SentOfType(msgType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, raw := range f.SentJSON() {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// LastJSON decodes the most recent JSON payload, or nil.
func (f *FakeTransport) LastJSON() map[string]interface{} {
	sent := f.SentJSON()
	if len(sent) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(sent[len(sent)-1], &m); err != nil {
		return nil
	}
	return m
}

// IsClosed reports whether Close was called, along with the close code.
func (f *FakeTransport) IsClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code
}

package errors

// Protocol signals a malformed message or a message that is unexpected in the
// current state. Counted toward the per-socket close threshold.
func Protocol(message string) *Error {
	return New(KindProtocol, message)
}

// Auth signals a bad apiKey or a packageName mismatch. App sockets failing
// auth are closed with WebSocket code 1008.
func Auth(message string) *Error {
	return New(KindAuth, message)
}

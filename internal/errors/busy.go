package errors

// Busy signals that a conflicting operation is already in progress, such as a
// second direct RTMP stream request while one is active.
func Busy(message string) *Error {
	return New(KindBusy, message)
}

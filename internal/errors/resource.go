package errors

// ResourceExhausted signals a hard cap was hit, such as the restream output
// limits on managed streams.
func ResourceExhausted(message string) *Error {
	return New(KindResourceExhausted, message)
}

// Timeout signals an ACK or webhook deadline expired. Surfaced to subscribers
// as a status transition, never as a crash.
func Timeout(message string) *Error {
	return New(KindTimeout, message)
}

// Transient signals a retryable backend failure. After retries are exhausted
// the caller converts it to a terminal error status.
func Transient(message string) *Error {
	return New(KindTransient, message)
}

package errors

// NotFound signals an unknown streamId, packageName, or requestId.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("%w: ...") and classify
// with errors.Is.
var (
	// Capture container errors (fatal)
	ErrNotFound   = errors.New("ridereplay: capture not found")
	ErrFormat     = errors.New("ridereplay: invalid capture format")
	ErrUnreadable = errors.New("ridereplay: capture unreadable")

	// Terminal but clean: everything read before it stays valid
	ErrIncompleteCapture = errors.New("ridereplay: incomplete capture")

	// Frame and stream errors (recoverable per record)
	ErrMalformedFrame      = errors.New("ridereplay: malformed frame")
	ErrStreamOutOfOrder    = errors.New("ridereplay: out-of-order stream segment")
	ErrIncompleteStream    = errors.New("ridereplay: incomplete stream message")
	ErrTimestampRegression = errors.New("ridereplay: capture timestamp went backwards")

	// Payload decoding errors (recoverable per record)
	ErrUnknownMessageType = errors.New("ridereplay: unknown message type")
	ErrMalformedPayload   = errors.New("ridereplay: malformed payload")
	ErrUnsupportedVersion = errors.New("ridereplay: unsupported protocol version")
	ErrOrderingViolation  = errors.New("ridereplay: command ordering violation")
)

// IsFatal reports whether err must abort a replay.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrFormat) || errors.Is(err, ErrUnreadable)
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "not_found"},
	{ErrFormat, "format"},
	{ErrUnreadable, "unreadable"},
	{ErrIncompleteCapture, "incomplete_capture"},
	{ErrMalformedFrame, "malformed_frame"},
	{ErrStreamOutOfOrder, "stream_out_of_order"},
	{ErrIncompleteStream, "incomplete_stream"},
	{ErrTimestampRegression, "timestamp_regression"},
	{ErrUnknownMessageType, "unknown_message_type"},
	{ErrMalformedPayload, "malformed_payload"},
	{ErrUnsupportedVersion, "unsupported_version"},
	{ErrOrderingViolation, "ordering_violation"},
}

// Kind returns the stable name of the sentinel err wraps, or "other".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "other"
}

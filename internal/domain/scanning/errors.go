package scanning

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError is a network or HTTP level failure. Callers may retry it.
type TransportError struct {
	Op  string
	URL string
	// StatusCode is set when the server answered with a non-2xx status.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeserializationError reports a coordinator response that did not match the
// expected shape. It is treated as transient.
type DeserializationError struct {
	Op  string
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("decoding %s response: %v", e.Op, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// DownloadTooLargeError reports an artifact whose (decompressed) size
// exceeds the configured bound. It is final for that URL.
type DownloadTooLargeError struct {
	URL   string
	Limit int64
}

func (e *DownloadTooLargeError) Error() string {
	return fmt.Sprintf("download too large: %s exceeds %d bytes", e.URL, e.Limit)
}

// UnsupportedFormatError reports a distribution URL whose archive type cannot
// be determined or is not handled.
type UnsupportedFormatError struct {
	URL string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported archive format: %s", e.URL)
}

// CorruptArchiveError reports payload bytes that are not a valid container of
// the expected format.
type CorruptArchiveError struct {
	URL string
	Err error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive %s: %v", e.URL, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying later: transport and
// deserialization failures are, everything else is final for its scope.
// A 4xx answer is final too, except request timeout and rate limiting.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return !isClientError(te.StatusCode)
	}
	var de *DeserializationError
	return errors.As(err, &de)
}

func isClientError(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

// IsDownloadTooLarge reports whether err is, or wraps, a DownloadTooLargeError.
func IsDownloadTooLarge(err error) bool {
	var dl *DownloadTooLargeError
	return errors.As(err, &dl)
}

package volc

import (
	"errors"
	"fmt"

	"github.com/satriahrh/asrproxy/domain/repositories"
)

var (
	// ErrMalformedFrame is returned by DecodeFrame for truncated or
	// inconsistent frames. The relay drops such frames.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrDecompression wraps gzip failures. Decompress still returns the
	// original bytes alongside it.
	ErrDecompression = errors.New("decompression failed")

	// ErrUpstreamTransport wraps socket level failures talking to the vendor.
	ErrUpstreamTransport = errors.New("upstream transport error")

	// ErrRelayClosed is returned when writing to a relay that has been closed.
	ErrRelayClosed = fmt.Errorf("relay closed: %w", repositories.ErrStreamClosed)
)

// VendorError is a structured error-response frame sent by the vendor.
type VendorError struct {
	Code    uint32
	Message string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor error %d: %s", e.Code, e.Message)
}

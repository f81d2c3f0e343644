package audio

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// FailureType classifies why an STT provider connection failed, adapted
// from the teacher's backend failover classifier to decide whether a
// provider outage maps to §7's STTConnect (dial never succeeded) or
// STTTransport (connection dropped mid-stream).
type FailureType int

const (
	FailureNone FailureType = iota
	FailureTimeout
	FailureConnectionRefused
	FailureConnectionReset
	FailureServerError
	FailureStreamInterrupt
)

func (f FailureType) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureConnectionReset:
		return "connection_reset"
	case FailureServerError:
		return "server_error"
	case FailureStreamInterrupt:
		return "stream_interrupt"
	default:
		return "unknown"
	}
}

// DetectFailure classifies a dial or stream error.
func DetectFailure(err error) FailureType {
	if err == nil {
		return FailureNone
	}

	if os.IsTimeout(err) {
		return FailureTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if strings.Contains(netErr.Error(), "connection refused") {
			return FailureConnectionRefused
		}
		if strings.Contains(netErr.Error(), "connection reset") {
			return FailureConnectionReset
		}
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return FailureConnectionRefused
	case strings.Contains(errStr, "connection reset"):
		return FailureConnectionReset
	case strings.Contains(errStr, "EOF"):
		return FailureStreamInterrupt
	}

	return FailureStreamInterrupt
}

// IsConnectFailure reports whether f occurred before a session was ever
// established (maps to §7 STTConnect) as opposed to mid-stream (STTTransport).
func IsConnectFailure(f FailureType) bool {
	return f == FailureTimeout || f == FailureConnectionRefused || f == FailureServerError
}
